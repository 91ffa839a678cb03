package headless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLauncherDefaults(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Config{}, nil)
	if l.cfg.ActionTimeout != 5*time.Second {
		t.Fatalf("expected default action timeout, got %v", l.cfg.ActionTimeout)
	}
	if l.logger == nil {
		t.Fatal("expected a logger")
	}
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := NewLauncher(Config{Headless: true}, zap.NewNop()).allocatorOptions()
	full := NewLauncher(Config{
		Headless:    true,
		ExecPath:    "/usr/bin/chromium",
		UserDataDir: "/tmp/profile",
		UserAgent:   "linkrelay-test",
	}, zap.NewNop()).allocatorOptions()

	assert.Greater(t, len(base), len(chromedp.DefaultExecAllocatorOptions))
	assert.Equal(t, len(base)+3, len(full))
}

func pausedEvent(id, url string) *fetch.EventRequestPaused {
	return &fetch.EventRequestPaused{
		RequestID: fetch.RequestID(id),
		Request:   &network.Request{URL: url},
	}
}

func TestInterceptionContinuesNonMatching(t *testing.T) {
	t.Parallel()

	actions := make(chan chromedp.Action, 4)
	ic := newInterception(
		func(u string) bool { return u == "https://cdn.example/file.zip" },
		func(a chromedp.Action) { actions <- a },
		func() {},
		nil,
	)

	ic.handle(pausedEvent("1", "https://page.example/app.js"))

	select {
	case a := <-actions:
		cont, ok := a.(*fetch.ContinueRequestParams)
		require.True(t, ok, "expected ContinueRequest, got %T", a)
		assert.Equal(t, fetch.RequestID("1"), cont.RequestID)
	case <-time.After(time.Second):
		t.Fatal("non-matching request was not continued")
	}
	select {
	case u := <-ic.Matched():
		t.Fatalf("unexpected match %q", u)
	default:
	}
}

func TestInterceptionReportsFirstMatchAndBlocksIt(t *testing.T) {
	t.Parallel()

	actions := make(chan chromedp.Action, 4)
	ic := newInterception(
		func(u string) bool { return u != "https://page.example/" },
		func(a chromedp.Action) { actions <- a },
		func() {},
		nil,
	)

	ic.handle(pausedEvent("7", "https://cdn.example/a.zip"))
	ic.handle(pausedEvent("8", "https://cdn.example/b.zip"))

	assert.Equal(t, "https://cdn.example/a.zip", <-ic.Matched())
	for i := 0; i < 2; i++ {
		select {
		case a := <-actions:
			fail, ok := a.(*fetch.FailRequestParams)
			require.True(t, ok, "expected FailRequest, got %T", a)
			assert.Equal(t, network.ErrorReasonAborted, fail.ErrorReason)
		case <-time.After(time.Second):
			t.Fatal("matching request was not failed")
		}
	}
}

func TestInterceptionIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	called := false
	ic := newInterception(func(string) bool { return true }, func(chromedp.Action) { called = true }, func() {}, nil)
	ic.handle(&page.EventLifecycleEvent{Name: idleEvent})
	assert.False(t, called)
}

func TestInterceptionReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	stops := 0
	disables := 0
	ic := newInterception(
		func(string) bool { return false },
		func(chromedp.Action) {},
		func() { stops++ },
		func(context.Context) error {
			disables++
			return errors.New("target closed")
		},
	)

	err := ic.Release(context.Background())
	require.Error(t, err)
	require.Error(t, ic.Release(context.Background()))
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, disables)
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newSession(ctx, cancel, func() {}, time.Second, zap.NewNop())
}

func TestSessionIdleWaitersReceiveLoaderIDs(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	ch := s.subscribeIdle()
	defer s.unsubscribeIdle(ch)

	s.handleEvent(&page.EventLifecycleEvent{Name: "load", LoaderID: "L1"})
	s.handleEvent(&page.EventLifecycleEvent{Name: idleEvent, LoaderID: "L1"})

	select {
	case got := <-ch:
		assert.Equal(t, cdp.LoaderID("L1"), got)
	case <-time.After(time.Second):
		t.Fatal("idle waiter not notified")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected extra notification %q", got)
	default:
	}
}

func TestSessionDisconnectEvents(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	require.True(t, s.Connected())
	s.handleEvent(&inspector.EventDetached{Reason: "target_closed"})
	assert.False(t, s.Connected())

	s2 := newTestSession(t)
	s2.handleEvent(&inspector.EventTargetCrashed{})
	assert.False(t, s2.Connected())
}

func TestSessionCloseDisconnects(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Connected())
	assert.NoError(t, s.disableFetch(context.Background()))
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation not forwarded")
	}
}
