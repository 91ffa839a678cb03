// Package capture extracts a download URL from live browser traffic.
//
// A capture navigates the shared session to a content page, arms request
// interception for the configured content-delivery hosts, clicks the download
// control, and races the first matching request against a timer. Only one
// capture runs at a time; the interception is released on every exit path.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/linkrelay/internal/browser"
	"github.com/JakeFAU/linkrelay/internal/metrics"
	"github.com/JakeFAU/linkrelay/internal/relay"
)

// Outcome classifies a capture attempt.
type Outcome string

// Capture outcomes.
const (
	Found              Outcome = "Found"
	TimedOut           Outcome = "TimedOut"
	NavigationFailed   Outcome = "NavigationFailed"
	SelectorNotFound   Outcome = "SelectorNotFound"
	SessionUnavailable Outcome = "SessionUnavailable"
)

// Result is the value produced by Capture. URL is set only for Found.
type Result struct {
	Outcome     Outcome
	URL         string
	Err         error
	EvidenceURI string
}

// SessionSource yields a verified browser session.
type SessionSource interface {
	EnsureHealthy(ctx context.Context) (browser.Session, error)
}

// Config controls the capture protocol.
type Config struct {
	AllowedHosts      []string
	Selector          string
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
	InterceptTimeout  time.Duration
	// ReleaseTimeout bounds cleanup and evidence writes.
	ReleaseTimeout  time.Duration
	EvidenceEnabled bool
	EvidencePrefix  string
}

// Protocol runs captures against the shared session.
type Protocol struct {
	source   SessionSource
	cfg      Config
	allowed  map[string]struct{}
	sem      *semaphore.Weighted
	evidence relay.BlobStore
	ids      relay.IDGenerator
	clock    relay.Clock
	logger   *zap.Logger
}

// New creates a Protocol. evidence may be nil.
func New(
	source SessionSource,
	cfg Config,
	evidence relay.BlobStore,
	ids relay.IDGenerator,
	clock relay.Clock,
	logger *zap.Logger,
) *Protocol {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = 10 * time.Second
	}
	if cfg.InterceptTimeout <= 0 {
		cfg.InterceptTimeout = 30 * time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = struct{}{}
		}
	}
	return &Protocol{
		source:   source,
		cfg:      cfg,
		allowed:  allowed,
		sem:      semaphore.NewWeighted(1),
		evidence: evidence,
		ids:      ids,
		clock:    clock,
		logger:   logger,
	}
}

// Allowed reports whether rawURL points at an allow-listed host. Hosts are
// compared exactly, ignoring case.
func (p *Protocol) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	_, ok := p.allowed[strings.ToLower(u.Hostname())]
	return ok
}

// Capture drives the session to targetURL and returns the first allow-listed
// request triggered by clicking the download control.
func (p *Protocol) Capture(ctx context.Context, targetURL string) Result {
	start := time.Now()
	res := p.capture(ctx, targetURL)
	elapsed := time.Since(start)
	metrics.ObserveCapture(string(res.Outcome), elapsed)

	fields := []zap.Field{
		zap.String("target", targetURL),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("elapsed", elapsed),
	}
	if res.Outcome == Found {
		p.logger.Info("download url captured", append(fields, zap.String("url", res.URL))...)
	} else {
		p.logger.Warn("capture failed", append(fields, zap.Error(res.Err))...)
	}
	return res
}

// Healthy probes the shared session when no capture is running. While a
// capture holds the slot it reports false and leaves the session alone.
func (p *Protocol) Healthy(ctx context.Context) (bool, error) {
	if !p.sem.TryAcquire(1) {
		return false, nil
	}
	defer p.sem.Release(1)
	if _, err := p.source.EnsureHealthy(ctx); err != nil {
		return true, fmt.Errorf("browser health check: %w", err)
	}
	return true, nil
}

func (p *Protocol) capture(ctx context.Context, targetURL string) Result {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{Outcome: SessionUnavailable, Err: fmt.Errorf("wait for capture slot: %w", err)}
	}
	defer p.sem.Release(1)

	session, err := p.source.EnsureHealthy(ctx)
	if err != nil {
		return Result{Outcome: SessionUnavailable, Err: err}
	}

	navCtx, cancelNav := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
	err = session.Navigate(navCtx, targetURL)
	cancelNav()
	if err != nil {
		return classify(session, NavigationFailed, err)
	}

	ic, err := session.Intercept(ctx, p.Allowed)
	if err != nil {
		return classify(session, SessionUnavailable, err)
	}
	res := p.clickAndRace(ctx, session, ic)
	p.release(ic)

	if res.Outcome == SelectorNotFound || res.Outcome == TimedOut {
		res.EvidenceURI = p.saveEvidence(session, res.Outcome)
	}
	return res
}

func (p *Protocol) clickAndRace(ctx context.Context, session browser.Session, ic browser.Interception) Result {
	selCtx, cancelSel := context.WithTimeout(ctx, p.cfg.SelectorTimeout)
	defer cancelSel()
	if err := session.WaitVisible(selCtx, p.cfg.Selector); err != nil {
		return classify(session, SelectorNotFound, err)
	}
	if err := session.Click(selCtx, p.cfg.Selector); err != nil {
		return classify(session, SelectorNotFound, err)
	}

	timer := time.NewTimer(p.cfg.InterceptTimeout)
	defer timer.Stop()
	select {
	case found := <-ic.Matched():
		return Result{Outcome: Found, URL: found}
	case <-timer.C:
		return classify(session, TimedOut, fmt.Errorf("no download request within %s", p.cfg.InterceptTimeout))
	case <-ctx.Done():
		// Caller gave up before the window closed, usually at shutdown.
		return Result{Outcome: SessionUnavailable, Err: fmt.Errorf("capture abandoned: %w", ctx.Err())}
	}
}

// release runs on a context independent of the caller's so cleanup still
// happens after the caller gives up.
func (p *Protocol) release(ic browser.Interception) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReleaseTimeout)
	defer cancel()
	if err := ic.Release(ctx); err != nil {
		p.logger.Debug("release interception", zap.Error(err))
	}
}

func (p *Protocol) saveEvidence(session browser.Session, outcome Outcome) string {
	if !p.cfg.EvidenceEnabled || p.evidence == nil || !session.Connected() {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReleaseTimeout)
	defer cancel()

	png, err := session.Screenshot(ctx)
	if err != nil {
		metrics.ObserveEvidence("error")
		p.logger.Warn("evidence screenshot failed", zap.Error(err))
		return ""
	}
	uri, err := p.evidence.PutObject(ctx, p.evidencePath(outcome), "image/png", bytes.NewReader(png))
	if err != nil {
		metrics.ObserveEvidence("error")
		p.logger.Warn("evidence write failed", zap.Error(err))
		return ""
	}
	metrics.ObserveEvidence("stored")
	p.logger.Info("capture evidence stored", zap.String("uri", uri))
	return uri
}

func (p *Protocol) evidencePath(outcome Outcome) string {
	now := time.Now().UTC()
	if p.clock != nil {
		now = p.clock.Now().UTC()
	}
	name := now.Format("150405.000000000")
	if p.ids != nil {
		if id, err := p.ids.NewID(); err == nil {
			name = id
		}
	}
	path := fmt.Sprintf("%s/%s/%s.png", now.Format("2006-01-02"), strings.ToLower(string(outcome)), name)
	if prefix := strings.Trim(p.cfg.EvidencePrefix, "/"); prefix != "" {
		path = prefix + "/" + path
	}
	return path
}

// classify reports any failure on a dropped connection as SessionUnavailable;
// the monitor repairs the session on the next call.
func classify(session browser.Session, outcome Outcome, err error) Result {
	if !session.Connected() {
		if err == nil {
			err = errors.New("session disconnected")
		}
		return Result{Outcome: SessionUnavailable, Err: err}
	}
	return Result{Outcome: outcome, Err: err}
}
