// Package postgres provides the Postgres-backed relay store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/linkrelay/internal/relay"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements relay.Store on Postgres.
type Store struct {
	pool  pool
	ids   relay.IDGenerator
	clock relay.Clock
}

// New connects a Store using cfg.
func New(ctx context.Context, cfg Config, ids relay.IDGenerator, clock relay.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, ids, clock)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, ids relay.IDGenerator, clock relay.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	return &Store{pool: p, ids: ids, clock: clock}, nil
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FindIdentity returns the identity registered under key.
func (s *Store) FindIdentity(ctx context.Context, key string) (relay.Identity, error) {
	var ident relay.Identity
	err := s.pool.QueryRow(ctx,
		`SELECT id, identity_key, name, created_at FROM identities WHERE identity_key = $1`, key,
	).Scan(&ident.ID, &ident.Key, &ident.Name, &ident.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.Identity{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Identity{}, fmt.Errorf("find identity: %w", err)
	}
	return ident, nil
}

// CreateIdentity registers key with an initial subscription.
func (s *Store) CreateIdentity(
	ctx context.Context,
	key, name string,
	plan relay.Plan,
	expiresAt time.Time,
) (relay.IdentityDetail, error) {
	identID, err := s.ids.NewID()
	if err != nil {
		return relay.IdentityDetail{}, fmt.Errorf("identity id: %w", err)
	}
	subID, err := s.ids.NewID()
	if err != nil {
		return relay.IdentityDetail{}, fmt.Errorf("subscription id: %w", err)
	}
	now := s.clock.Now()
	ident := relay.Identity{ID: identID, Key: key, Name: name, CreatedAt: now}
	sub := relay.Subscription{
		ID:         subID,
		IdentityID: identID,
		Plan:       plan,
		ExpiresAt:  expiresAt,
		Revision:   1,
		UpdatedAt:  now,
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO identities (id, identity_key, name, created_at) VALUES ($1, $2, $3, $4)`,
			ident.ID, ident.Key, ident.Name, ident.CreatedAt,
		); err != nil {
			if pgCode(err) == uniqueViolation {
				return relay.ErrAlreadyExists
			}
			return fmt.Errorf("insert identity: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO subscriptions (id, identity_id, plan, expires_at, revision, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
			sub.ID, sub.IdentityID, string(sub.Plan), sub.ExpiresAt, sub.Revision, sub.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return relay.IdentityDetail{}, err
	}
	return relay.IdentityDetail{Identity: ident, Subscription: &sub}, nil
}

const detailSelect = `
SELECT i.id, i.identity_key, i.name, i.created_at,
       s.id, s.plan, s.expires_at, s.reminder_day7_sent, s.reminder_day4_sent, s.reminder_day1_sent,
       s.revision, s.updated_at,
       (SELECT COUNT(*) FROM usage_records u WHERE u.identity_id = i.id)
FROM identities i
LEFT JOIN subscriptions s ON s.identity_id = i.id`

func scanDetail(row pgx.Row) (relay.IdentityDetail, error) {
	var (
		d                relay.IdentityDetail
		subID, plan      pgtype.Text
		expires, updated pgtype.Timestamptz
		day7, day4, day1 pgtype.Bool
		revision         pgtype.Int8
		usage            int64
	)
	if err := row.Scan(
		&d.ID, &d.Key, &d.Name, &d.CreatedAt,
		&subID, &plan, &expires, &day7, &day4, &day1, &revision, &updated,
		&usage,
	); err != nil {
		return relay.IdentityDetail{}, err
	}
	d.UsageCount = int(usage)
	if subID.Valid {
		d.Subscription = &relay.Subscription{
			ID:               subID.String,
			IdentityID:       d.ID,
			Plan:             relay.Plan(plan.String),
			ExpiresAt:        expires.Time,
			ReminderDay7Sent: day7.Bool,
			ReminderDay4Sent: day4.Bool,
			ReminderDay1Sent: day1.Bool,
			Revision:         revision.Int64,
			UpdatedAt:        updated.Time,
		}
	}
	return d, nil
}

// ListIdentities returns every identity ordered by creation time.
func (s *Store) ListIdentities(ctx context.Context) ([]relay.IdentityDetail, error) {
	rows, err := s.pool.Query(ctx, detailSelect+` ORDER BY i.created_at, i.identity_key`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()
	var out []relay.IdentityDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return out, nil
}

// GetIdentityDetail returns the identity, its subscription and usage count.
func (s *Store) GetIdentityDetail(ctx context.Context, key string) (relay.IdentityDetail, error) {
	d, err := scanDetail(s.pool.QueryRow(ctx, detailSelect+` WHERE i.identity_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.IdentityDetail{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.IdentityDetail{}, fmt.Errorf("get identity detail: %w", err)
	}
	return d, nil
}

// UpdateIdentityName renames the identity under key.
func (s *Store) UpdateIdentityName(ctx context.Context, key, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE identities SET name = $1 WHERE identity_key = $2`, name, key)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return relay.ErrNotFound
	}
	return nil
}

// DeleteIdentity removes the identity; subscription and usage cascade.
func (s *Store) DeleteIdentity(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE identity_key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return relay.ErrNotFound
	}
	return nil
}

const subscriptionColumns = `id, identity_id, plan, expires_at, reminder_day7_sent, reminder_day4_sent,
reminder_day1_sent, revision, updated_at`

func scanSubscription(row pgx.Row) (relay.Subscription, error) {
	var (
		sub  relay.Subscription
		plan string
	)
	err := row.Scan(&sub.ID, &sub.IdentityID, &plan, &sub.ExpiresAt,
		&sub.ReminderDay7Sent, &sub.ReminderDay4Sent, &sub.ReminderDay1Sent,
		&sub.Revision, &sub.UpdatedAt)
	sub.Plan = relay.Plan(plan)
	return sub, err
}

// FindSubscriptionByIdentity returns the subscription owned by identityID.
func (s *Store) FindSubscriptionByIdentity(ctx context.Context, identityID string) (relay.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE identity_id = $1`, identityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.Subscription{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Subscription{}, fmt.Errorf("find subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription sets plan and expiry, clears the reminder flags and
// bumps the revision.
func (s *Store) UpsertSubscription(
	ctx context.Context,
	identityID string,
	plan relay.Plan,
	expiresAt time.Time,
) (relay.Subscription, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return relay.Subscription{}, fmt.Errorf("subscription id: %w", err)
	}
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
INSERT INTO subscriptions (id, identity_id, plan, expires_at, revision, updated_at)
VALUES ($1, $2, $3, $4, 1, $5)
ON CONFLICT (identity_id) DO UPDATE SET
    plan = EXCLUDED.plan,
    expires_at = EXCLUDED.expires_at,
    reminder_day7_sent = FALSE,
    reminder_day4_sent = FALSE,
    reminder_day1_sent = FALSE,
    revision = subscriptions.revision + 1,
    updated_at = EXCLUDED.updated_at
RETURNING `+subscriptionColumns,
		id, identityID, string(plan), expiresAt, s.clock.Now()))
	if pgCode(err) == foreignKeyViolation {
		return relay.Subscription{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Subscription{}, fmt.Errorf("upsert subscription: %w", err)
	}
	return sub, nil
}

// CountUsageInRange counts records with from <= used_at < to.
func (s *Store) CountUsageInRange(ctx context.Context, identityID string, from, to time.Time) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE identity_id = $1 AND used_at >= $2 AND used_at < $3`,
		identityID, from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return int(n), nil
}

// InsertUsageRecord stores one successful capture.
func (s *Store) InsertUsageRecord(ctx context.Context, identityID string, at time.Time) (relay.UsageRecord, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return relay.UsageRecord{}, fmt.Errorf("usage id: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, identity_id, used_at) VALUES ($1, $2, $3)`, id, identityID, at)
	if pgCode(err) == foreignKeyViolation {
		return relay.UsageRecord{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.UsageRecord{}, fmt.Errorf("insert usage record: %w", err)
	}
	return relay.UsageRecord{ID: id, IdentityID: identityID, At: at}, nil
}

// ListReminderCandidates returns subscriptions that expire after now.
func (s *Store) ListReminderCandidates(ctx context.Context, now time.Time) ([]relay.ReminderCandidate, error) {
	rows, err := s.pool.Query(ctx, `
SELECT i.id, i.identity_key, i.name, i.created_at,
       s.id, s.identity_id, s.plan, s.expires_at, s.reminder_day7_sent, s.reminder_day4_sent,
       s.reminder_day1_sent, s.revision, s.updated_at
FROM subscriptions s
JOIN identities i ON i.id = s.identity_id
WHERE s.expires_at > $1
ORDER BY s.expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list reminder candidates: %w", err)
	}
	defer rows.Close()

	var out []relay.ReminderCandidate
	for rows.Next() {
		var (
			c    relay.ReminderCandidate
			plan string
		)
		if err := rows.Scan(
			&c.Identity.ID, &c.Identity.Key, &c.Identity.Name, &c.Identity.CreatedAt,
			&c.Subscription.ID, &c.Subscription.IdentityID, &plan, &c.Subscription.ExpiresAt,
			&c.Subscription.ReminderDay7Sent, &c.Subscription.ReminderDay4Sent, &c.Subscription.ReminderDay1Sent,
			&c.Subscription.Revision, &c.Subscription.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reminder candidate: %w", err)
		}
		c.Subscription.Plan = relay.Plan(plan)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reminder candidates: %w", err)
	}
	return out, nil
}

func flagColumn(t relay.Threshold) (string, error) {
	switch t {
	case relay.Threshold7:
		return "reminder_day7_sent", nil
	case relay.Threshold4:
		return "reminder_day4_sent", nil
	case relay.Threshold1:
		return "reminder_day1_sent", nil
	default:
		return "", fmt.Errorf("unknown reminder threshold %d", t)
	}
}

// SetReminderFlag sets the flag for threshold while the subscription is
// still at revision.
func (s *Store) SetReminderFlag(
	ctx context.Context,
	subscriptionID string,
	threshold relay.Threshold,
	revision int64,
) (bool, error) {
	column, err := flagColumn(threshold)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET `+column+` = TRUE WHERE id = $1 AND revision = $2`,
		subscriptionID, revision)
	if err != nil {
		return false, fmt.Errorf("set reminder flag: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
