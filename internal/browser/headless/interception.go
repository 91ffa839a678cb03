package headless

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// interception answers every paused request: matches are failed in the
// browser and reported once, everything else continues.
type interception struct {
	match   func(string) bool
	matched chan string
	run     func(chromedp.Action)
	stop    context.CancelFunc
	disable func(context.Context) error

	once       sync.Once
	releaseErr error
}

func newInterception(
	match func(string) bool,
	run func(chromedp.Action),
	stop context.CancelFunc,
	disable func(context.Context) error,
) *interception {
	return &interception{
		match:   match,
		matched: make(chan string, 1),
		run:     run,
		stop:    stop,
		disable: disable,
	}
}

// handle is called synchronously by chromedp, so CDP calls go to goroutines.
func (i *interception) handle(ev any) {
	paused, ok := ev.(*fetch.EventRequestPaused)
	if !ok {
		return
	}
	id := paused.RequestID
	if paused.Request != nil && i.match(paused.Request.URL) {
		select {
		case i.matched <- paused.Request.URL:
		default:
		}
		go i.run(fetch.FailRequest(id, network.ErrorReasonAborted))
		return
	}
	go i.run(fetch.ContinueRequest(id))
}

func (i *interception) Matched() <-chan string {
	return i.matched
}

func (i *interception) Release(ctx context.Context) error {
	i.once.Do(func() {
		i.stop()
		if i.disable != nil {
			i.releaseErr = i.disable(ctx)
		}
	})
	return i.releaseErr
}
