package headless

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/browser"
)

// idleEvent is the lifecycle event treated as "network settled": at most two
// connections open for 500ms.
const idleEvent = "networkAlmostIdle"

// Session is a browser.Session backed by one chromedp tab.
type Session struct {
	tabCtx        context.Context
	tabCancel     context.CancelFunc
	allocCancel   context.CancelFunc
	actionTimeout time.Duration
	logger        *zap.Logger

	disconnected atomic.Bool
	closeOnce    sync.Once

	mu          sync.Mutex
	idleWaiters map[chan cdp.LoaderID]struct{}
}

func newSession(
	tabCtx context.Context,
	tabCancel, allocCancel context.CancelFunc,
	actionTimeout time.Duration,
	logger *zap.Logger,
) *Session {
	return &Session{
		tabCtx:        tabCtx,
		tabCancel:     tabCancel,
		allocCancel:   allocCancel,
		actionTimeout: actionTimeout,
		logger:        logger,
		idleWaiters:   make(map[chan cdp.LoaderID]struct{}),
	}
}

// Connected reports whether the tab is still attached.
func (s *Session) Connected() bool {
	return !s.disconnected.Load() && s.tabCtx.Err() == nil
}

// Navigate loads rawURL and waits until the page's network is almost idle.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	runCtx, cancel := s.scope(ctx)
	defer cancel()

	idle := s.subscribeIdle()
	defer s.unsubscribeIdle(idle)

	var loaderID cdp.LoaderID
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, lid, errorText, _, err := page.Navigate(rawURL).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("page error: %s", errorText)
		}
		loaderID = lid
		return nil
	}))
	if err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	// Same-document navigations have no loader and no lifecycle events.
	if loaderID == "" {
		return nil
	}
	for {
		select {
		case got := <-idle:
			if got == loaderID {
				return nil
			}
		case <-runCtx.Done():
			return fmt.Errorf("wait for network idle: %w", runCtx.Err())
		}
	}
}

// Evaluate runs a JavaScript expression in the page.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	runCtx, cancel := s.scope(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// WaitVisible blocks until selector matches a visible node.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	runCtx, cancel := s.scope(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait visible %q: %w", selector, err)
	}
	return nil
}

// Click clicks the first visible node matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	runCtx, cancel := s.scope(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// Intercept enables the Fetch domain and pauses every request until the
// listener continues or fails it.
func (s *Session) Intercept(ctx context.Context, match func(string) bool) (browser.Interception, error) {
	listenCtx, stop := context.WithCancel(s.tabCtx)
	ic := newInterception(match, s.run, stop, s.disableFetch)
	chromedp.ListenTarget(listenCtx, ic.handle)

	runCtx, cancel := s.scope(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, fetch.Enable()); err != nil {
		stop()
		return nil, fmt.Errorf("enable request interception: %w", err)
	}
	return ic, nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	runCtx, cancel := s.scope(ctx)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// Close terminates the browser process.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.disconnected.Store(true)
		s.tabCancel()
		s.allocCancel()
	})
}

func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventLifecycleEvent:
		if e.Name == idleEvent {
			s.notifyIdle(e.LoaderID)
		}
	case *inspector.EventDetached:
		s.disconnected.Store(true)
		s.logger.Warn("browser target detached", zap.String("reason", string(e.Reason)))
	case *inspector.EventTargetCrashed:
		s.disconnected.Store(true)
		s.logger.Warn("browser target crashed")
	}
}

func (s *Session) subscribeIdle() chan cdp.LoaderID {
	ch := make(chan cdp.LoaderID, 16)
	s.mu.Lock()
	s.idleWaiters[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Session) unsubscribeIdle(ch chan cdp.LoaderID) {
	s.mu.Lock()
	delete(s.idleWaiters, ch)
	s.mu.Unlock()
}

func (s *Session) notifyIdle(loaderID cdp.LoaderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.idleWaiters {
		select {
		case ch <- loaderID:
		default:
		}
	}
}

// run executes a CDP action outside of an event handler.
func (s *Session) run(action chromedp.Action) {
	ctx, cancel := context.WithTimeout(s.tabCtx, s.actionTimeout)
	defer cancel()
	if err := chromedp.Run(ctx, action); err != nil && s.Connected() {
		s.logger.Debug("interception action failed", zap.Error(err))
	}
}

func (s *Session) disableFetch(ctx context.Context) error {
	if !s.Connected() {
		return nil
	}
	runCtx, cancel := s.scope(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, fetch.Disable()); err != nil {
		return fmt.Errorf("disable request interception: %w", err)
	}
	return nil
}

// scope derives a context from the tab that also ends when ctx does. Actions
// must run on a tab-derived context; cancelling the derived one only aborts the
// action, not the tab.
func (s *Session) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		prev := cancel
		cancel = func() {
			cancelDeadline()
			prev()
		}
	}
	stopForward := forwardCancel(ctx, cancel)
	return runCtx, func() {
		stopForward()
		cancel()
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
