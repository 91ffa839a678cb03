// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/linkrelay/internal/api"
	"github.com/JakeFAU/linkrelay/internal/browser"
	"github.com/JakeFAU/linkrelay/internal/browser/headless"
	"github.com/JakeFAU/linkrelay/internal/capture"
	"github.com/JakeFAU/linkrelay/internal/clock/system"
	"github.com/JakeFAU/linkrelay/internal/config"
	"github.com/JakeFAU/linkrelay/internal/dispatcher"
	"github.com/JakeFAU/linkrelay/internal/id/uuid"
	"github.com/JakeFAU/linkrelay/internal/logging"
	memorymessenger "github.com/JakeFAU/linkrelay/internal/messenger/memory"
	"github.com/JakeFAU/linkrelay/internal/messenger/webhook"
	"github.com/JakeFAU/linkrelay/internal/metrics"
	"github.com/JakeFAU/linkrelay/internal/policy/ratelimit"
	"github.com/JakeFAU/linkrelay/internal/policy/simple"
	queueMemory "github.com/JakeFAU/linkrelay/internal/queue/memory"
	"github.com/JakeFAU/linkrelay/internal/quota"
	"github.com/JakeFAU/linkrelay/internal/relay"
	"github.com/JakeFAU/linkrelay/internal/reminder"
	gcsstorage "github.com/JakeFAU/linkrelay/internal/storage/gcs"
	localstorage "github.com/JakeFAU/linkrelay/internal/storage/local"
	memoryStorage "github.com/JakeFAU/linkrelay/internal/storage/memory"
	pgstore "github.com/JakeFAU/linkrelay/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/linkrelay/internal/storage/sqlite"
	"github.com/JakeFAU/linkrelay/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     relay.Store
	gcs       *gcsstorage.BlobStore
	messenger relay.Messenger
	manager   *browser.Manager
	monitor   *browser.Monitor
	capturer  *capture.Protocol
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	reminders *reminder.Scheduler
	apiServer *api.Server

	closeOnce sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("messaging_provider", cfg.Messaging.Provider),
		zap.String("storage_provider", cfg.Storage.Provider),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Store returns the persistence backend.
func (a *App) Store() relay.Store {
	return a.store
}

// Migrate applies the store schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	a.logger.Info("store schema migrated")
	return nil
}

// RemindOnce runs a single reminder sweep outside the cron schedule.
func (a *App) RemindOnce(ctx context.Context) (reminder.Summary, error) {
	sum, err := a.reminders.RunOnce(ctx)
	if err != nil {
		return sum, fmt.Errorf("reminder sweep: %w", err)
	}
	a.logger.Info("reminder sweep finished",
		zap.Int("scanned", sum.Scanned),
		zap.Int("sent", sum.Sent),
		zap.Int("delivery_failures", sum.DeliveryFailures),
		zap.Int("flag_failures", sum.FlagFailures),
		zap.Int("superseded", sum.Superseded),
	)
	return sum, nil
}

// Handler returns the HTTP handler serving the admin and inbound API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Messaging.Concurrency))
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	if a.cfg.Reminder.Enabled {
		if err := a.reminders.Start(gctx); err != nil {
			a.logger.Error("reminder scheduler failed to start", zap.Error(err))
		}
	}
	go a.warmBrowser(gctx)

	err := g.Wait()
	if closeErr := a.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// warmBrowser opens the shared session up front so the first capture does not
// pay for the launch.
func (a *App) warmBrowser(ctx context.Context) {
	launchCtx, cancel := context.WithTimeout(ctx, a.cfg.LaunchTimeout())
	defer cancel()
	if _, err := a.capturer.Healthy(launchCtx); err != nil && ctx.Err() == nil {
		a.logger.Warn("initial browser launch failed; will retry on demand", zap.Error(err))
	}
}

// Close gracefully shuts down the application. Only the first call has any
// effect.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		if a.reminders != nil {
			a.reminders.Stop()
		}
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
		// Sync fails on stderr-backed loggers; nothing useful to do about it.
		_ = a.logger.Sync()
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	logger = app.logger
	metrics.Init()

	app.logger.Info("building application dependencies")
	ids := uuid.New()
	clock := system.New()

	if err = setupStore(ctx, app, ids, clock); err != nil {
		return nil, err
	}
	evidence, err := setupEvidence(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if app.messenger, err = setupMessenger(app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	launcher := headless.NewLauncher(headless.Config{
		ExecPath:    cfg.Browser.ExecPath,
		UserDataDir: cfg.Browser.UserDataDir,
		UserAgent:   cfg.Browser.UserAgent,
		Headless:    cfg.Browser.Headless,
	}, logger.Named("chrome"))
	app.manager = browser.NewManager(launcher, browser.Config{
		LandingURL:    cfg.Browser.LandingURL,
		LaunchTimeout: cfg.LaunchTimeout(),
	}, logger.Named("browser"))
	app.monitor = browser.NewMonitor(app.manager, cfg.ProbeTimeout(), logger.Named("browser_monitor"))

	app.capturer = capture.New(app.monitor, capture.Config{
		AllowedHosts:      cfg.Capture.AllowedHosts,
		Selector:          cfg.Capture.Selector,
		NavigationTimeout: cfg.NavigationTimeout(),
		SelectorTimeout:   cfg.SelectorTimeout(),
		InterceptTimeout:  cfg.InterceptTimeout(),
		EvidenceEnabled:   cfg.Storage.EvidenceEnabled,
		EvidencePrefix:    cfg.Storage.Prefix,
	}, evidence, ids, clock, logger.Named("capture"))

	loc, err := cfg.QuotaLocation()
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("quota timezone: %w", err)
	}
	ledger := quota.New(app.store, loc, logger.Named("quota"))

	app.queue = queueMemory.NewQueue(cfg.Messaging.QueueDepth)
	app.dispatch = setupDispatcher(app, ledger, app.capturer, clock)

	app.reminders, err = reminder.New(app.store, app.messenger, clock, reminder.Config{
		Interval:    cfg.ReminderInterval(),
		Schedule:    cfg.Reminder.Schedule,
		RunOnStart:  cfg.Reminder.RunOnStart,
		Message:     cfg.Reminder.Message,
		SendTimeout: cfg.MessagingTimeout(),
	}, logger.Named("reminder"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("reminder scheduler init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.store, app.monitor, app.capturer, app.queue, clock, *cfg, logger.Named("api"))
	return app, nil
}

func setupStore(ctx context.Context, app *App, ids relay.IDGenerator, clock relay.Clock) error {
	store, err := openStore(ctx, app, ids, clock)
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	app.store = store
	if app.cfg.Database.AutoMigrate {
		if err := app.Migrate(ctx); err != nil {
			app.closeInfrastructure()
			return err
		}
	}
	return nil
}

func openStore(ctx context.Context, app *App, ids relay.IDGenerator, clock relay.Clock) (relay.Store, error) {
	dbCfg := app.cfg.Database
	switch dbCfg.Driver {
	case "postgres":
		app.logger.Info("using postgres store")
		return pgstore.New(ctx, pgstore.Config{
			DSN:             dbCfg.DSN,
			MaxConns:        int32(dbCfg.MaxConns), //nolint:gosec // bounded by config validation
			MinConns:        int32(dbCfg.MinConns), //nolint:gosec // bounded by config validation
			MaxConnLifetime: app.cfg.MaxConnLifetime(),
		}, ids, clock)
	case "memory":
		app.logger.Warn("using in-memory store; data is lost on restart")
		return memoryStorage.NewStore(ids, clock), nil
	default:
		app.logger.Info("using sqlite store", zap.String("dsn", dbCfg.DSN))
		return sqlitestore.Open(dbCfg.DSN, ids, clock)
	}
}

func setupEvidence(ctx context.Context, app *App) (relay.BlobStore, error) {
	st := app.cfg.Storage
	if !st.EvidenceEnabled {
		return nil, nil
	}
	switch st.Provider {
	case "gcs":
		app.logger.Info("using GCS evidence store", zap.String("bucket", st.GCSBucket))
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:   st.GCSBucket,
			Prefix:   st.Prefix,
			Endpoint: st.GCSEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcs = blobs
		return blobs, nil
	case "local":
		app.logger.Info("using local evidence store", zap.String("path", st.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: st.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory evidence store")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupMessenger(app *App) (relay.Messenger, error) {
	msgCfg := app.cfg.Messaging
	if msgCfg.Provider != "webhook" {
		app.logger.Warn("no gateway configured, outbound messages are only logged")
		return memorymessenger.New(app.logger.Named("messenger")), nil
	}
	timeout := app.cfg.MessagingTimeout()
	client, err := webhook.New(webhook.Config{
		BaseURL:      msgCfg.GatewayURL,
		Token:        msgCfg.GatewayToken,
		Timeout:      timeout,
		DirectSuffix: msgCfg.DirectSuffix,
	}, &http.Client{Timeout: timeout}, app.logger.Named("messenger"))
	if err != nil {
		return nil, fmt.Errorf("gateway client init failed: %w", err)
	}
	app.logger.Info("using webhook gateway", zap.String("url", msgCfg.GatewayURL))
	return client, nil
}

func setupDispatcher(
	app *App,
	ledger *quota.Ledger,
	capturer *capture.Protocol,
	clock relay.Clock,
) *dispatcher.Dispatcher {
	var policy relay.Policy
	if app.cfg.RateLimit.Enabled {
		policy = ratelimit.New(ratelimit.Config{
			PerSenderRPS: app.cfg.RateLimit.PerSenderRPS,
			Burst:        app.cfg.RateLimit.Burst,
		})
		app.logger.Info("per-sender rate limit enabled",
			zap.Float64("rps", app.cfg.RateLimit.PerSenderRPS),
			zap.Int("burst", app.cfg.RateLimit.Burst),
		)
	} else {
		policy = simple.New()
	}

	minDelay, maxDelay := app.cfg.ReplyDelay()
	workerCfg := worker.Config{
		BotID:                app.cfg.Messaging.BotID,
		ReplyDelayMin:        minDelay,
		ReplyDelayMax:        maxDelay,
		ReactionEmoji:        app.cfg.Messaging.ReactionEmoji,
		NotRegisteredMessage: app.cfg.Messaging.NotRegisteredMessage,
	}
	workers := make([]dispatcher.Runner, 0, app.cfg.Messaging.Concurrency)
	for i := range app.cfg.Messaging.Concurrency {
		workers = append(workers, worker.New(
			app.queue,
			ledger,
			capturer,
			app.messenger,
			policy,
			clock,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("worker", i)),
		))
	}
	return dispatcher.New(workers)
}
