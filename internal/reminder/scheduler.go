// Package reminder sends one-shot renewal reminders before a subscription
// expires.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/metrics"
	"github.com/JakeFAU/linkrelay/internal/relay"
)

const msPerDay = 24 * 60 * 60 * 1000

// Reminder statuses recorded in metrics.
const (
	statusSent           = "sent"
	statusDeliveryFailed = "delivery_failed"
	statusFlagFailed     = "flag_failed"
	statusSuperseded     = "superseded"
)

// Config controls the sweep cadence and content.
type Config struct {
	// Interval between sweeps when Schedule is empty.
	Interval time.Duration
	// Schedule is an optional standard five-field cron expression.
	Schedule   string
	RunOnStart bool
	Message    string
	// SendTimeout bounds each delivery.
	SendTimeout time.Duration
}

// Summary counts what a sweep did.
type Summary struct {
	Scanned          int
	Sent             int
	DeliveryFailures int
	FlagFailures     int
	// Superseded counts deliveries whose flag write lost to a renewal.
	Superseded int
}

// Store is the persistence the scheduler needs.
type Store interface {
	ListReminderCandidates(ctx context.Context, now time.Time) ([]relay.ReminderCandidate, error)
	SetReminderFlag(ctx context.Context, subscriptionID string, threshold relay.Threshold, revision int64) (bool, error)
}

// Scheduler runs reminder sweeps on a cron schedule.
type Scheduler struct {
	store     Store
	messenger relay.Messenger
	clock     relay.Clock
	cfg       Config
	schedule  cron.Schedule
	logger    *zap.Logger

	runningMu sync.Mutex
	running   bool
	cron      *cron.Cron
	cancel    context.CancelFunc
	startRun  sync.WaitGroup
}

// New creates a Scheduler. It fails when cfg.Schedule does not parse.
func New(store Store, messenger relay.Messenger, clock relay.Clock, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 12 * time.Hour
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var schedule cron.Schedule = cron.Every(cfg.Interval)
	if cfg.Schedule != "" {
		parsed, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid reminder schedule: %w", err)
		}
		schedule = parsed
	}
	return &Scheduler{
		store:     store,
		messenger: messenger,
		clock:     clock,
		cfg:       cfg,
		schedule:  schedule,
		logger:    logger,
	}, nil
}

// DaysLeft returns the whole days remaining until expiresAt, rounded up.
func DaysLeft(expiresAt, now time.Time) int {
	ms := expiresAt.Sub(now).Milliseconds()
	return int(math.Ceil(float64(ms) / msPerDay))
}

// DueThreshold returns the threshold whose reminder should go out for sub at
// now, if any.
func DueThreshold(sub relay.Subscription, now time.Time) (relay.Threshold, bool) {
	if !sub.ExpiresAt.After(now) {
		return 0, false
	}
	days := DaysLeft(sub.ExpiresAt, now)
	for _, t := range relay.Thresholds {
		if days == int(t) && !sub.ReminderSent(t) {
			return t, true
		}
	}
	return 0, false
}

// RunOnce performs a single sweep. It only fails when candidates cannot be
// listed; per-subscription failures are counted in the Summary.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	now := s.clock.Now()
	candidates, err := s.store.ListReminderCandidates(ctx, now)
	if err != nil {
		return Summary{}, fmt.Errorf("list reminder candidates: %w", err)
	}

	sum := Summary{Scanned: len(candidates)}
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		threshold, due := DueThreshold(c.Subscription, now)
		if !due {
			continue
		}
		s.remind(ctx, c, threshold, &sum)
	}
	s.logger.Info("reminder sweep finished",
		zap.Int("scanned", sum.Scanned),
		zap.Int("sent", sum.Sent),
		zap.Int("delivery_failures", sum.DeliveryFailures),
		zap.Int("flag_failures", sum.FlagFailures),
		zap.Int("superseded", sum.Superseded),
	)
	return sum, ctx.Err()
}

func (s *Scheduler) remind(ctx context.Context, c relay.ReminderCandidate, threshold relay.Threshold, sum *Summary) {
	log := s.logger.With(
		zap.String("identity", c.Identity.Key),
		zap.Int("days_left", int(threshold)),
	)

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	err := s.messenger.SendMessage(sendCtx, c.Identity.Key, s.cfg.Message, relay.SendOptions{})
	cancel()
	if err != nil {
		sum.DeliveryFailures++
		metrics.ObserveReminder(int(threshold), statusDeliveryFailed)
		log.Warn("reminder delivery failed", zap.Error(err))
		return
	}

	applied, err := s.store.SetReminderFlag(ctx, c.Subscription.ID, threshold, c.Subscription.Revision)
	// A subscription deleted since the listing reports ErrNotFound; like a
	// renewal, it means the flag no longer applies.
	if errors.Is(err, relay.ErrNotFound) {
		applied, err = false, nil
	}
	switch {
	case err != nil:
		sum.FlagFailures++
		metrics.ObserveReminder(int(threshold), statusFlagFailed)
		log.Error("reminder flag update failed", zap.Error(err))
	case !applied:
		sum.Superseded++
		metrics.ObserveReminder(int(threshold), statusSuperseded)
		log.Info("reminder sent but subscription changed meanwhile")
	default:
		sum.Sent++
		metrics.ObserveReminder(int(threshold), statusSent)
		log.Info("renewal reminder sent")
	}
}

// Start schedules sweeps until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return errors.New("reminder scheduler is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{s.logger.Sugar()}
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).
		Then(cron.FuncJob(func() { s.sweep(runCtx) }))

	s.cron = cron.New(cron.WithLogger(logger))
	s.cron.Schedule(s.schedule, job)
	s.cron.Start()
	s.cancel = cancel
	s.running = true

	if s.cfg.RunOnStart {
		s.startRun.Add(1)
		go func() {
			defer s.startRun.Done()
			job.Run()
		}()
	}
	s.logger.Info("reminder scheduler started",
		zap.String("schedule", s.describeSchedule()),
		zap.Bool("run_on_start", s.cfg.RunOnStart),
	)
	return nil
}

// Stop cancels any sweep in flight and waits for it to return.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.startRun.Wait()
	s.running = false
	s.logger.Info("reminder scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

func (s *Scheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("reminder sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) describeSchedule() string {
	if s.cfg.Schedule != "" {
		return s.cfg.Schedule
	}
	return "every " + s.cfg.Interval.String()
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
