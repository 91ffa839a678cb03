// Package headless drives a real Chrome instance via chromedp.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/browser"
)

// Config controls how Chrome is started.
type Config struct {
	ExecPath    string
	UserDataDir string
	UserAgent   string
	Headless    bool
	// ActionTimeout bounds CDP calls issued from event handlers.
	ActionTimeout time.Duration
}

// Launcher starts Chrome sessions.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// Launch starts Chrome with one page. The browser is tied to its own
// background context so that ctx only bounds the start-up wait.
func (l *Launcher) Launch(ctx context.Context) (browser.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := newSession(tabCtx, tabCancel, allocCancel, l.cfg.ActionTimeout, l.logger)
	chromedp.ListenTarget(tabCtx, s.handleEvent)

	// The first Run allocates the browser; it must not carry a deadline or
	// chromedp would tear the browser down when the deadline passes.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tabCtx)
	}()

	select {
	case err := <-started:
		if err != nil {
			s.shutdown()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		s.shutdown()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}
	l.logger.Debug("chrome started", zap.String("user_data_dir", l.cfg.UserDataDir))
	return s, nil
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(l.cfg.UserDataDir))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	return opts
}
