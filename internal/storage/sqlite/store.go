// Package sqlite provides a single-file relay store for small deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/linkrelay/internal/relay"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
    id           TEXT PRIMARY KEY,
    identity_key TEXT NOT NULL UNIQUE,
    name         TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id                 TEXT PRIMARY KEY,
    identity_id        TEXT NOT NULL UNIQUE REFERENCES identities(id) ON DELETE CASCADE,
    plan               TEXT NOT NULL,
    expires_at         INTEGER NOT NULL,
    reminder_day7_sent INTEGER NOT NULL DEFAULT 0,
    reminder_day4_sent INTEGER NOT NULL DEFAULT 0,
    reminder_day1_sent INTEGER NOT NULL DEFAULT 0,
    revision           INTEGER NOT NULL DEFAULT 1,
    updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS subscriptions_expires_at_idx ON subscriptions (expires_at);

CREATE TABLE IF NOT EXISTS usage_records (
    id          TEXT PRIMARY KEY,
    identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
    used_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_records_identity_used_at_idx ON usage_records (identity_id, used_at);
`

// Store implements relay.Store on an embedded SQLite database. Timestamps
// are stored as unix milliseconds.
type Store struct {
	db    *sql.DB
	ids   relay.IDGenerator
	clock relay.Clock
}

// Open opens (creating if needed) the database at path.
func Open(path string, ids relay.IDGenerator, clock relay.Clock) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	db, err := sql.Open("sqlite", withPragmas(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection keeps pragmas and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &Store{db: db, ids: ids, clock: clock}, nil
}

func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Migrate creates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// FindIdentity returns the identity registered under key.
func (s *Store) FindIdentity(ctx context.Context, key string) (relay.Identity, error) {
	var (
		ident   relay.Identity
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, identity_key, name, created_at FROM identities WHERE identity_key = ?`, key,
	).Scan(&ident.ID, &ident.Key, &ident.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Identity{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Identity{}, fmt.Errorf("find identity: %w", err)
	}
	ident.CreatedAt = fromMillis(created)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return relay.IdentityDetail{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO identities (id, identity_key, name, created_at) VALUES (?, ?, ?, ?)`,
		identID, key, name, millis(now),
	); err != nil {
		if isUniqueViolation(err) {
			return relay.IdentityDetail{}, relay.ErrAlreadyExists
		}
		return relay.IdentityDetail{}, fmt.Errorf("insert identity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions (id, identity_id, plan, expires_at, revision, updated_at) VALUES (?, ?, ?, ?, 1, ?)`,
		subID, identID, string(plan), millis(expiresAt), millis(now),
	); err != nil {
		return relay.IdentityDetail{}, fmt.Errorf("insert subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return relay.IdentityDetail{}, fmt.Errorf("commit transaction: %w", err)
	}

	sub := relay.Subscription{
		ID:         subID,
		IdentityID: identID,
		Plan:       plan,
		ExpiresAt:  fromMillis(millis(expiresAt)),
		Revision:   1,
		UpdatedAt:  fromMillis(millis(now)),
	}
	return relay.IdentityDetail{
		Identity:     relay.Identity{ID: identID, Key: key, Name: name, CreatedAt: fromMillis(millis(now))},
		Subscription: &sub,
	}, nil
}

const detailSelect = `
SELECT i.id, i.identity_key, i.name, i.created_at,
       s.id, s.plan, s.expires_at, s.reminder_day7_sent, s.reminder_day4_sent, s.reminder_day1_sent,
       s.revision, s.updated_at,
       (SELECT COUNT(*) FROM usage_records u WHERE u.identity_id = i.id)
FROM identities i
LEFT JOIN subscriptions s ON s.identity_id = i.id`

type scanner interface {
	Scan(dest ...any) error
}

func scanDetail(row scanner) (relay.IdentityDetail, error) {
	var (
		d                relay.IdentityDetail
		created          int64
		subID, plan      sql.NullString
		expires, updated sql.NullInt64
		day7, day4, day1 sql.NullBool
		revision         sql.NullInt64
		usage            int64
	)
	if err := row.Scan(
		&d.ID, &d.Key, &d.Name, &created,
		&subID, &plan, &expires, &day7, &day4, &day1, &revision, &updated,
		&usage,
	); err != nil {
		return relay.IdentityDetail{}, err
	}
	d.CreatedAt = fromMillis(created)
	d.UsageCount = int(usage)
	if subID.Valid {
		d.Subscription = &relay.Subscription{
			ID:               subID.String,
			IdentityID:       d.ID,
			Plan:             relay.Plan(plan.String),
			ExpiresAt:        fromMillis(expires.Int64),
			ReminderDay7Sent: day7.Bool,
			ReminderDay4Sent: day4.Bool,
			ReminderDay1Sent: day1.Bool,
			Revision:         revision.Int64,
			UpdatedAt:        fromMillis(updated.Int64),
		}
	}
	return d, nil
}

// ListIdentities returns every identity ordered by creation time.
func (s *Store) ListIdentities(ctx context.Context) ([]relay.IdentityDetail, error) {
	rows, err := s.db.QueryContext(ctx, detailSelect+` ORDER BY i.created_at, i.identity_key`)
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
	d, err := scanDetail(s.db.QueryRowContext(ctx, detailSelect+` WHERE i.identity_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return relay.IdentityDetail{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.IdentityDetail{}, fmt.Errorf("get identity detail: %w", err)
	}
	return d, nil
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return relay.ErrNotFound
	}
	return nil
}

// UpdateIdentityName renames the identity under key.
func (s *Store) UpdateIdentityName(ctx context.Context, key, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET name = ? WHERE identity_key = ?`, name, key)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	return affectedOne(res)
}

// DeleteIdentity removes the identity; subscription and usage cascade.
func (s *Store) DeleteIdentity(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE identity_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return affectedOne(res)
}

const subscriptionColumns = `id, identity_id, plan, expires_at, reminder_day7_sent, reminder_day4_sent,
reminder_day1_sent, revision, updated_at`

func scanSubscription(row scanner) (relay.Subscription, error) {
	var (
		sub              relay.Subscription
		plan             string
		expires, updated int64
	)
	if err := row.Scan(&sub.ID, &sub.IdentityID, &plan, &expires,
		&sub.ReminderDay7Sent, &sub.ReminderDay4Sent, &sub.ReminderDay1Sent,
		&sub.Revision, &updated); err != nil {
		return relay.Subscription{}, err
	}
	sub.Plan = relay.Plan(plan)
	sub.ExpiresAt = fromMillis(expires)
	sub.UpdatedAt = fromMillis(updated)
	return sub, nil
}

// FindSubscriptionByIdentity returns the subscription owned by identityID.
func (s *Store) FindSubscriptionByIdentity(ctx context.Context, identityID string) (relay.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE identity_id = ?`, identityID))
	if errors.Is(err, sql.ErrNoRows) {
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
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
INSERT INTO subscriptions (id, identity_id, plan, expires_at, revision, updated_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT (identity_id) DO UPDATE SET
    plan = excluded.plan,
    expires_at = excluded.expires_at,
    reminder_day7_sent = 0,
    reminder_day4_sent = 0,
    reminder_day1_sent = 0,
    revision = subscriptions.revision + 1,
    updated_at = excluded.updated_at
RETURNING `+subscriptionColumns,
		id, identityID, string(plan), millis(expiresAt), millis(s.clock.Now())))
	if isForeignKeyViolation(err) {
		return relay.Subscription{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Subscription{}, fmt.Errorf("upsert subscription: %w", err)
	}
	return sub, nil
}

// CountUsageInRange counts records with from <= used_at < to.
func (s *Store) CountUsageInRange(ctx context.Context, identityID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE identity_id = ? AND used_at >= ? AND used_at < ?`,
		identityID, millis(from), millis(to),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

// InsertUsageRecord stores one successful capture.
func (s *Store) InsertUsageRecord(ctx context.Context, identityID string, at time.Time) (relay.UsageRecord, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return relay.UsageRecord{}, fmt.Errorf("usage id: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, identity_id, used_at) VALUES (?, ?, ?)`, id, identityID, millis(at))
	if isForeignKeyViolation(err) {
		return relay.UsageRecord{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.UsageRecord{}, fmt.Errorf("insert usage record: %w", err)
	}
	return relay.UsageRecord{ID: id, IdentityID: identityID, At: at}, nil
}

// ListReminderCandidates returns subscriptions that expire after now.
func (s *Store) ListReminderCandidates(ctx context.Context, now time.Time) ([]relay.ReminderCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT i.id, i.identity_key, i.name, i.created_at,
       s.id, s.identity_id, s.plan, s.expires_at, s.reminder_day7_sent, s.reminder_day4_sent,
       s.reminder_day1_sent, s.revision, s.updated_at
FROM subscriptions s
JOIN identities i ON i.id = s.identity_id
WHERE s.expires_at > ?
ORDER BY s.expires_at`, millis(now))
	if err != nil {
		return nil, fmt.Errorf("list reminder candidates: %w", err)
	}
	defer rows.Close()

	var out []relay.ReminderCandidate
	for rows.Next() {
		var (
			c       relay.ReminderCandidate
			created int64
		)
		identFields := []any{&c.Identity.ID, &c.Identity.Key, &c.Identity.Name, &created}
		sub, err := scanSubscription(prefixScanner{row: rows, prefix: identFields})
		if err != nil {
			return nil, fmt.Errorf("scan reminder candidate: %w", err)
		}
		c.Identity.CreatedAt = fromMillis(created)
		c.Subscription = sub
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reminder candidates: %w", err)
	}
	return out, nil
}

// prefixScanner scans leading columns into prefix before the caller's dests.
type prefixScanner struct {
	row    scanner
	prefix []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.row.Scan(append(p.prefix, dest...)...)
}

// SetReminderFlag sets the flag for threshold while the subscription is
// still at revision.
func (s *Store) SetReminderFlag(
	ctx context.Context,
	subscriptionID string,
	threshold relay.Threshold,
	revision int64,
) (bool, error) {
	var column string
	switch threshold {
	case relay.Threshold7:
		column = "reminder_day7_sent"
	case relay.Threshold4:
		column = "reminder_day4_sent"
	case relay.Threshold1:
		column = "reminder_day1_sent"
	default:
		return false, fmt.Errorf("unknown reminder threshold %d", threshold)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET `+column+` = 1 WHERE id = ? AND revision = ?`, subscriptionID, revision)
	if err != nil {
		return false, fmt.Errorf("set reminder flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
