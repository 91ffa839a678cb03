// Package browsertest provides in-memory browser sessions for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/linkrelay/internal/browser"
)

// Session is a scriptable browser.Session.
type Session struct {
	mu sync.Mutex

	connected atomic.Bool
	closed    atomic.Bool

	NavigateErr   error
	EvaluateErr   error
	WaitErr       error
	ClickErr      error
	InterceptErr  error
	ScreenshotErr error

	// Requests are fed through the interception matcher after Click.
	Requests []string
	// OnClick runs after the click and before Requests are replayed.
	OnClick func()

	Navigations   []string
	Clicks        []string
	Interceptions []*Interception
	Releases      atomic.Int32
}

// NewSession returns a connected Session.
func NewSession() *Session {
	s := &Session{}
	s.connected.Store(true)
	return s
}

// SetConnected toggles the reported connection state.
func (s *Session) SetConnected(v bool) {
	s.connected.Store(v)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Connected implements browser.Session.
func (s *Session) Connected() bool {
	return s.connected.Load() && !s.closed.Load()
}

// Navigate implements browser.Session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	s.Navigations = append(s.Navigations, url)
	err := s.NavigateErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Evaluate implements browser.Session.
func (s *Session) Evaluate(ctx context.Context, _ string, out any) error {
	s.mu.Lock()
	err := s.EvaluateErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if p, ok := out.(*string); ok {
		*p = "complete"
	}
	return ctx.Err()
}

// WaitVisible implements browser.Session.
func (s *Session) WaitVisible(ctx context.Context, _ string) error {
	s.mu.Lock()
	err := s.WaitErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Click implements browser.Session and replays Requests through the active
// interception.
func (s *Session) Click(_ context.Context, selector string) error {
	s.mu.Lock()
	s.Clicks = append(s.Clicks, selector)
	err := s.ClickErr
	onClick := s.OnClick
	requests := append([]string(nil), s.Requests...)
	var active *Interception
	if n := len(s.Interceptions); n > 0 {
		active = s.Interceptions[n-1]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if onClick != nil {
		onClick()
	}
	if active != nil {
		for _, r := range requests {
			active.Feed(r)
		}
	}
	return nil
}

// NavigationCount returns the number of Navigate calls so far.
func (s *Session) NavigationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Navigations)
}

// Intercept implements browser.Session.
func (s *Session) Intercept(_ context.Context, match func(string) bool) (browser.Interception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InterceptErr != nil {
		return nil, s.InterceptErr
	}
	ic := &Interception{
		match:   match,
		matched: make(chan string, 1),
		session: s,
	}
	s.Interceptions = append(s.Interceptions, ic)
	return ic, nil
}

// Screenshot implements browser.Session.
func (s *Session) Screenshot(context.Context) ([]byte, error) {
	if s.ScreenshotErr != nil {
		return nil, s.ScreenshotErr
	}
	return []byte("\x89PNG fake"), nil
}

// Close implements browser.Session.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// Interception records what the matcher saw.
type Interception struct {
	match    func(string) bool
	matched  chan string
	session  *Session
	released atomic.Bool

	mu        sync.Mutex
	Continued []string
	Blocked   []string
}

// Feed pushes a request URL through the matcher.
func (i *Interception) Feed(url string) {
	if i.released.Load() {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.match(url) {
		i.Blocked = append(i.Blocked, url)
		select {
		case i.matched <- url:
		default:
		}
		return
	}
	i.Continued = append(i.Continued, url)
}

// Released reports whether Release ran.
func (i *Interception) Released() bool {
	return i.released.Load()
}

// Matched implements browser.Interception.
func (i *Interception) Matched() <-chan string {
	return i.matched
}

// Release implements browser.Interception.
func (i *Interception) Release(context.Context) error {
	if i.released.CompareAndSwap(false, true) {
		i.session.Releases.Add(1)
	}
	return nil
}

// Launcher hands out Sessions and counts launches.
type Launcher struct {
	mu       sync.Mutex
	launches int
	// Gate, when set, blocks Launch until it is closed.
	Gate chan struct{}
	// Err fails every launch when set.
	Err error
	// Next, when set, builds each new session.
	Next func() *Session

	sessions []*Session
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	l.launches++
	gate := l.Gate
	err := l.Err
	next := l.Next
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("launch canceled: %w", ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	var s *Session
	if next != nil {
		s = next()
	} else {
		s = NewSession()
	}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

// Launches returns the number of Launch calls.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Sessions returns the sessions handed out so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// ErrLaunch is a canned launch failure.
var ErrLaunch = errors.New("chrome failed to start")
