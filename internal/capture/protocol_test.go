package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/browser"
	"github.com/JakeFAU/linkrelay/internal/browser/browsertest"
	"github.com/JakeFAU/linkrelay/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var defaultHosts = []string{
	"downloadscdn5.freepik.com",
	"downloadscdn6.freepik.com",
	"videocdn.cdnpk.net",
}

type staticSource struct {
	session browser.Session
	err     error
}

func (s staticSource) EnsureHealthy(context.Context) (browser.Session, error) {
	return s.session, s.err
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "evidence-id", nil }

func newProtocol(src SessionSource, blobs *memory.BlobStore) *Protocol {
	return New(src, Config{
		AllowedHosts:      defaultHosts,
		Selector:          "button[data-cy='download-button']",
		NavigationTimeout: time.Second,
		SelectorTimeout:   time.Second,
		InterceptTimeout:  50 * time.Millisecond,
		ReleaseTimeout:    time.Second,
		EvidenceEnabled:   blobs != nil,
		EvidencePrefix:    "evidence",
	}, blobs, fixedIDs{}, nil, zap.NewNop())
}

func TestAllowedMatchesExactHostsIgnoringCase(t *testing.T) {
	t.Parallel()

	p := newProtocol(staticSource{}, nil)
	tests := []struct {
		url  string
		want bool
	}{
		{"https://downloadscdn5.freepik.com/d/123/file.zip?token=abc", true},
		{"https://DownloadsCDN6.Freepik.com/file", true},
		{"https://videocdn.cdnpk.net:443/v.mp4", true},
		{"https://www.freepik.com/free-photo/x.htm", false},
		{"https://downloadscdn5.freepik.com.attacker.net/file", false},
		{"https://cdn.example/?next=downloadscdn5.freepik.com", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Allowed(tt.url), tt.url)
	}
}

func TestCaptureFound(t *testing.T) {
	t.Parallel()

	session := browsertest.NewSession()
	session.Requests = []string{
		"https://www.freepik.com/static/app.js",
		"https://downloadscdn5.freepik.com/d/1/file.zip",
		"https://downloadscdn6.freepik.com/d/2/other.zip",
	}
	p := newProtocol(staticSource{session: session}, memory.NewBlobStore())

	res := p.Capture(context.Background(), "https://www.freepik.com/free-photo/item_1.htm")

	require.Equal(t, Found, res.Outcome)
	assert.Equal(t, "https://downloadscdn5.freepik.com/d/1/file.zip", res.URL)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"https://www.freepik.com/free-photo/item_1.htm"}, session.Navigations)
	assert.Equal(t, []string{"button[data-cy='download-button']"}, session.Clicks)

	require.Len(t, session.Interceptions, 1)
	ic := session.Interceptions[0]
	assert.True(t, ic.Released())
	assert.Equal(t, []string{"https://www.freepik.com/static/app.js"}, ic.Continued)
	assert.Len(t, ic.Blocked, 2)
	assert.Empty(t, res.EvidenceURI)
}

func TestCaptureTimedOutStoresEvidence(t *testing.T) {
	t.Parallel()

	session := browsertest.NewSession()
	session.Requests = []string{"https://www.freepik.com/api/track"}
	blobs := memory.NewBlobStore()
	p := newProtocol(staticSource{session: session}, blobs)

	res := p.Capture(context.Background(), "https://www.freepik.com/item")

	require.Equal(t, TimedOut, res.Outcome)
	assert.Empty(t, res.URL)
	assert.True(t, session.Interceptions[0].Released())
	require.NotEmpty(t, res.EvidenceURI)
	assert.True(t, strings.HasSuffix(res.EvidenceURI, "/timedout/evidence-id.png"), res.EvidenceURI)
	paths := blobs.Paths()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "evidence/"))
}

func TestCaptureSelectorNotFound(t *testing.T) {
	t.Parallel()

	session := browsertest.NewSession()
	session.WaitErr = context.DeadlineExceeded
	session.ScreenshotErr = errors.New("screenshot failed")
	p := newProtocol(staticSource{session: session}, memory.NewBlobStore())

	res := p.Capture(context.Background(), "https://www.freepik.com/item")

	assert.Equal(t, SelectorNotFound, res.Outcome)
	assert.Empty(t, session.Clicks)
	assert.True(t, session.Interceptions[0].Released())
	assert.Empty(t, res.EvidenceURI, "evidence failure never changes the result")
}

func TestCaptureNavigationFailed(t *testing.T) {
	t.Parallel()

	session := browsertest.NewSession()
	session.NavigateErr = errors.New("net::ERR_CONNECTION_RESET")
	p := newProtocol(staticSource{session: session}, nil)

	res := p.Capture(context.Background(), "https://www.freepik.com/item")

	assert.Equal(t, NavigationFailed, res.Outcome)
	assert.Empty(t, session.Interceptions, "no listener is armed before navigation succeeds")
}

func TestCaptureDisconnectedMapsToSessionUnavailable(t *testing.T) {
	t.Parallel()

	session := browsertest.NewSession()
	session.NavigateErr = errors.New("websocket closed")
	session.SetConnected(false)
	p := newProtocol(staticSource{session: session}, nil)

	res := p.Capture(context.Background(), "https://www.freepik.com/item")
	assert.Equal(t, SessionUnavailable, res.Outcome)
}

func TestCaptureSessionUnavailable(t *testing.T) {
	t.Parallel()

	p := newProtocol(staticSource{err: browser.ErrSessionUnavailable}, nil)
	res := p.Capture(context.Background(), "https://www.freepik.com/item")
	assert.Equal(t, SessionUnavailable, res.Outcome)
	assert.ErrorIs(t, res.Err, browser.ErrSessionUnavailable)
}

func TestCaptureSerializesConcurrentCalls(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	session := browsertest.NewSession()
	session.Requests = []string{"https://videocdn.cdnpk.net/v.mp4"}
	session.OnClick = func() {
		once.Do(func() {
			close(entered)
			<-proceed
		})
	}
	p := newProtocol(staticSource{session: session}, nil)

	results := make(chan Result, 2)
	go func() { results <- p.Capture(context.Background(), "https://www.freepik.com/first") }()
	<-entered

	go func() { results <- p.Capture(context.Background(), "https://www.freepik.com/second") }()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, session.NavigationCount(), "second capture must wait for the first")

	close(proceed)
	for i := 0; i < 2; i++ {
		assert.Equal(t, Found, (<-results).Outcome)
	}
	assert.Equal(t, int32(2), session.Releases.Load())
}

func TestCaptureQueuedCallerGivesUp(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	session := browsertest.NewSession()
	session.Requests = []string{"https://videocdn.cdnpk.net/v.mp4"}
	var once sync.Once
	session.OnClick = func() {
		once.Do(func() {
			close(entered)
			<-proceed
		})
	}
	p := newProtocol(staticSource{session: session}, nil)

	first := make(chan Result, 1)
	go func() { first <- p.Capture(context.Background(), "https://www.freepik.com/first") }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := p.Capture(ctx, "https://www.freepik.com/second")
	assert.Equal(t, SessionUnavailable, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	close(proceed)
	assert.Equal(t, Found, (<-first).Outcome)
}

func TestCaptureAfterTimeoutStartsClean(t *testing.T) {
	t.Parallel()

	session := browsertest.NewSession()
	session.Requests = []string{"https://www.freepik.com/api/track"}
	p := newProtocol(staticSource{session: session}, nil)

	first := p.Capture(context.Background(), "https://www.freepik.com/first")
	require.Equal(t, TimedOut, first.Outcome)

	session.Requests = []string{"https://downloadscdn6.freepik.com/d/9/file.zip"}
	second := p.Capture(context.Background(), "https://www.freepik.com/second")
	require.Equal(t, Found, second.Outcome)
	assert.Equal(t, "https://downloadscdn6.freepik.com/d/9/file.zip", second.URL)

	require.Len(t, session.Interceptions, 2)
	assert.True(t, session.Interceptions[0].Released())
	assert.True(t, session.Interceptions[1].Released())
	assert.Empty(t, session.Interceptions[0].Blocked, "the timed-out listener saw nothing afterwards")
	assert.Equal(t, int32(2), session.Releases.Load())

	probed, err := p.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, probed, "the capture slot was returned")
}

func TestCaptureCallerCanceledDuringRace(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := browsertest.NewSession()
	session.OnClick = cancel
	blobs := memory.NewBlobStore()
	p := newProtocol(staticSource{session: session}, blobs)

	res := p.Capture(ctx, "https://www.freepik.com/item")

	assert.Equal(t, SessionUnavailable, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.True(t, session.Interceptions[0].Released())
	assert.Empty(t, blobs.Paths(), "no evidence for abandoned captures")
}

func TestHealthyLeavesInFlightCaptureAlone(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	session := browsertest.NewSession()
	session.Requests = []string{"https://videocdn.cdnpk.net/v.mp4"}
	var once sync.Once
	session.OnClick = func() {
		once.Do(func() {
			// The page stops answering probes while the capture waits.
			session.EvaluateErr = errors.New("readyState timed out")
			close(entered)
			<-proceed
		})
	}
	launched := 0
	launcher := &browsertest.Launcher{Next: func() *browsertest.Session {
		launched++
		if launched == 1 {
			return session
		}
		return browsertest.NewSession()
	}}
	manager := browser.NewManager(launcher, browser.Config{}, zap.NewNop())
	t.Cleanup(func() { _ = manager.Close() })
	p := newProtocol(browser.NewMonitor(manager, time.Second, zap.NewNop()), nil)

	result := make(chan Result, 1)
	go func() { result <- p.Capture(context.Background(), "https://www.freepik.com/item") }()
	<-entered

	probed, err := p.Healthy(context.Background())
	require.NoError(t, err)
	assert.False(t, probed)
	assert.False(t, session.Closed())
	assert.Equal(t, 1, launcher.Launches())

	close(proceed)
	assert.Equal(t, Found, (<-result).Outcome)

	// Once the slot is free the failing session is probed and replaced.
	probed, err = p.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, probed)
	assert.True(t, session.Closed())
	assert.Equal(t, 2, launcher.Launches())
}

func TestHealthyReportsLaunchFailure(t *testing.T) {
	t.Parallel()

	p := newProtocol(staticSource{err: browser.ErrSessionUnavailable}, nil)
	probed, err := p.Healthy(context.Background())
	assert.True(t, probed)
	assert.ErrorIs(t, err, browser.ErrSessionUnavailable)
}
