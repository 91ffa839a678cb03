// Package browser owns the single shared automation session and keeps it
// healthy.
//
// Manager is a small state machine (Uninitialized, Initializing, Ready,
// Failed). Concurrent Acquire calls during a launch wait on one completion
// channel instead of launching a second browser. Monitor probes the current
// session before every use and replaces it when the probe fails.
package browser

import (
	"context"
	"errors"
)

// ErrSessionUnavailable is returned when no ready session can be produced.
var ErrSessionUnavailable = errors.New("automation session unavailable")

// Session is one live browser process with one page.
type Session interface {
	// Connected reports whether the browser connection is still alive.
	Connected() bool
	// Navigate loads url and waits for the network to settle.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JavaScript expression and decodes its result into out.
	Evaluate(ctx context.Context, expression string, out any) error
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	// Intercept arms request interception. Requests whose URL satisfies match
	// are reported on the returned handle and blocked; all others continue.
	Intercept(ctx context.Context, match func(url string) bool) (Interception, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Interception is an armed request listener.
type Interception interface {
	// Matched delivers the first matching request URL.
	Matched() <-chan string
	// Release detaches the listener and stops intercepting. It is safe to call
	// more than once.
	Release(ctx context.Context) error
}

// Launcher starts a new Session. ctx bounds the launch only; the session must
// outlive it.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}
