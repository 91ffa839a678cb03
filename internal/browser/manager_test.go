package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/browser"
	"github.com/JakeFAU/linkrelay/internal/browser/browsertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newManager(l browser.Launcher) *browser.Manager {
	return browser.NewManager(l, browser.Config{
		LandingURL:    "https://landing.example/",
		LaunchTimeout: time.Second,
	}, zap.NewNop())
}

func TestAcquireLaunchesAndNavigatesToLanding(t *testing.T) {
	launcher := &browsertest.Launcher{}
	mgr := newManager(launcher)
	defer mgr.Close() //nolint:errcheck // test cleanup

	session, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)

	sessions := launcher.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, []string{"https://landing.example/"}, sessions[0].Navigations)
	assert.Equal(t, "ready", mgr.Status().State)
	assert.Equal(t, 1, mgr.Status().Launches)

	again, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, session, again)
	assert.Equal(t, 1, launcher.Launches())
}

func TestConcurrentAcquireLaunchesOnce(t *testing.T) {
	gate := make(chan struct{})
	launcher := &browsertest.Launcher{Gate: gate}
	mgr := newManager(launcher)
	defer mgr.Close() //nolint:errcheck // test cleanup

	const callers = 8
	var wg sync.WaitGroup
	results := make([]browser.Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.Acquire(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool {
		return mgr.Status().State == "initializing"
	}, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, launcher.Launches())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestAcquireFailedLaunchRevertsToUninitialized(t *testing.T) {
	launcher := &browsertest.Launcher{Err: browsertest.ErrLaunch}
	mgr := newManager(launcher)

	_, err := mgr.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, browser.ErrSessionUnavailable))
	assert.True(t, errors.Is(err, browsertest.ErrLaunch))

	status := mgr.Status()
	assert.Equal(t, "uninitialized", status.State)
	assert.Contains(t, status.LastError, "chrome failed to start")

	launcher.Err = nil
	session, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 2, launcher.Launches())
	require.NoError(t, mgr.Close())
}

func TestAcquireLandingFailureClosesPartialSession(t *testing.T) {
	launcher := &browsertest.Launcher{Next: func() *browsertest.Session {
		s := browsertest.NewSession()
		s.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
		return s
	}}
	mgr := newManager(launcher)

	_, err := mgr.Acquire(context.Background())
	require.ErrorIs(t, err, browser.ErrSessionUnavailable)

	sessions := launcher.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Closed())
	assert.Equal(t, "uninitialized", mgr.Status().State)
}

func TestAcquireCallerCancelDoesNotAbortLaunch(t *testing.T) {
	gate := make(chan struct{})
	launcher := &browsertest.Launcher{Gate: gate}
	mgr := newManager(launcher)
	defer mgr.Close() //nolint:errcheck // test cleanup

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.Acquire(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return mgr.Status().State == "initializing"
	}, time.Second, 5*time.Millisecond)

	cancel()
	err := <-errCh
	require.ErrorIs(t, err, browser.ErrSessionUnavailable)
	require.ErrorIs(t, err, context.Canceled)

	close(gate)
	session, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 1, launcher.Launches())
}

func TestInvalidateOnlyDiscardsCurrentSession(t *testing.T) {
	launcher := &browsertest.Launcher{}
	mgr := newManager(launcher)
	defer mgr.Close() //nolint:errcheck // test cleanup

	first, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	mgr.Invalidate(browsertest.NewSession())
	assert.Equal(t, "ready", mgr.Status().State)

	mgr.Invalidate(first)
	assert.Equal(t, "failed", mgr.Status().State)
	assert.True(t, launcher.Sessions()[0].Closed())

	second, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, launcher.Launches())
}

func TestAcquireAfterClose(t *testing.T) {
	mgr := newManager(&browsertest.Launcher{})
	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	_, err = mgr.Acquire(context.Background())
	require.ErrorIs(t, err, browser.ErrSessionUnavailable)
}
