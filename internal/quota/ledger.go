// Package quota decides whether an identity may run another capture today.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/metrics"
	"github.com/JakeFAU/linkrelay/internal/relay"
)

// Reason explains an admission decision.
type Reason string

// Admission reasons, listed in priority order.
const (
	UnknownIdentity Reason = "UnknownIdentity"
	NoSubscription  Reason = "NoSubscription"
	Expired         Reason = "Expired"
	LimitExceeded   Reason = "LimitExceeded"
	Admitted        Reason = "Admitted"
	DatabaseError   Reason = "DatabaseError"
)

// ErrNotAdmitted is returned by Record for decisions that were not admitted.
var ErrNotAdmitted = errors.New("decision not admitted")

// Decision is the outcome of Evaluate. Valid holds exactly when Reason is
// Admitted.
type Decision struct {
	Valid      bool
	Reason     Reason
	UsageToday int
	Limit      int
	IdentityID string
	Plan       relay.Plan
	Err        error
}

// Store is the persistence the ledger reads and writes.
type Store interface {
	FindIdentity(ctx context.Context, key string) (relay.Identity, error)
	FindSubscriptionByIdentity(ctx context.Context, identityID string) (relay.Subscription, error)
	CountUsageInRange(ctx context.Context, identityID string, from, to time.Time) (int, error)
	InsertUsageRecord(ctx context.Context, identityID string, at time.Time) (relay.UsageRecord, error)
}

// Ledger evaluates admission against plans and daily usage.
type Ledger struct {
	store  Store
	loc    *time.Location
	logger *zap.Logger
}

// New creates a Ledger. Days start at midnight in loc (UTC when nil).
func New(store Store, loc *time.Location, logger *zap.Logger) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, loc: loc, logger: logger}
}

// StartOfDay returns midnight of t's calendar day in the ledger's timezone.
func (l *Ledger) StartOfDay(t time.Time) time.Time {
	t = t.In(l.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, l.loc)
}

// Evaluate decides whether identityKey may run a capture at now. It never
// writes; storage failures deny with DatabaseError.
func (l *Ledger) Evaluate(ctx context.Context, identityKey string, now time.Time) Decision {
	d := l.evaluate(ctx, identityKey, now)
	metrics.ObserveAdmission(string(d.Reason))
	if d.Reason == DatabaseError {
		l.logger.Error("quota evaluation failed", zap.String("identity", identityKey), zap.Error(d.Err))
	} else {
		l.logger.Debug("quota evaluated",
			zap.String("identity", identityKey),
			zap.String("reason", string(d.Reason)),
			zap.Int("usage_today", d.UsageToday),
			zap.Int("limit", d.Limit),
		)
	}
	return d
}

func (l *Ledger) evaluate(ctx context.Context, identityKey string, now time.Time) Decision {
	ident, err := l.store.FindIdentity(ctx, identityKey)
	if errors.Is(err, relay.ErrNotFound) {
		return Decision{Reason: UnknownIdentity}
	}
	if err != nil {
		return dbError(fmt.Errorf("find identity: %w", err))
	}

	sub, err := l.store.FindSubscriptionByIdentity(ctx, ident.ID)
	if errors.Is(err, relay.ErrNotFound) {
		return Decision{Reason: NoSubscription, IdentityID: ident.ID}
	}
	if err != nil {
		return dbError(fmt.Errorf("find subscription: %w", err))
	}

	d := Decision{
		IdentityID: ident.ID,
		Plan:       sub.Plan,
		Limit:      sub.Plan.DailyLimit(),
	}
	if !sub.ExpiresAt.After(now) {
		d.Reason = Expired
		return d
	}

	from := l.StartOfDay(now)
	used, err := l.store.CountUsageInRange(ctx, ident.ID, from, from.AddDate(0, 0, 1))
	if err != nil {
		return dbError(fmt.Errorf("count usage: %w", err))
	}
	d.UsageToday = used
	if used >= d.Limit {
		d.Reason = LimitExceeded
		return d
	}
	d.Valid = true
	d.Reason = Admitted
	return d
}

func dbError(err error) Decision {
	return Decision{Reason: DatabaseError, Err: err}
}

// Record charges one capture to an admitted decision.
func (l *Ledger) Record(ctx context.Context, d Decision, at time.Time) (relay.UsageRecord, error) {
	if !d.Valid || d.Reason != Admitted || d.IdentityID == "" {
		return relay.UsageRecord{}, fmt.Errorf("%w: %s", ErrNotAdmitted, d.Reason)
	}
	rec, err := l.store.InsertUsageRecord(ctx, d.IdentityID, at)
	if err != nil {
		metrics.ObserveUsageRecordFailure()
		return relay.UsageRecord{}, fmt.Errorf("insert usage record: %w", err)
	}
	return rec, nil
}
