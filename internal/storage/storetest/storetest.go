// Package storetest holds behaviour checks shared by every relay.Store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkrelay/internal/relay"
)

// SequentialIDs hands out "id-1", "id-2", ...
type SequentialIDs struct {
	n atomic.Int64
}

// NewID implements relay.IDGenerator.
func (g *SequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", g.n.Add(1)), nil
}

// FixedClock always returns T.
type FixedClock struct {
	T time.Time
}

// Now implements relay.Clock.
func (c FixedClock) Now() time.Time { return c.T }

// Epoch is the clock value stores under test should be built with.
var Epoch = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

// Run exercises a store built by factory. The factory must use FixedClock{Epoch}.
func Run(t *testing.T, factory func(t *testing.T) relay.Store) {
	t.Helper()

	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, factory(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, factory(t)) })
	t.Run("UsageRangeIsHalfOpen", func(t *testing.T) { testUsageRange(t, factory(t)) })
	t.Run("UpsertResetsFlags", func(t *testing.T) { testUpsertResetsFlags(t, factory(t)) })
	t.Run("StaleRevisionNotApplied", func(t *testing.T) { testStaleRevision(t, factory(t)) })
	t.Run("ReminderCandidates", func(t *testing.T) { testReminderCandidates(t, factory(t)) })
	t.Run("DetailListRenameDelete", func(t *testing.T) { testDetailListRenameDelete(t, factory(t)) })
}

func testCreateAndFind(t *testing.T, store relay.Store) {
	ctx := context.Background()
	expires := Epoch.Add(30 * 24 * time.Hour)

	detail, err := store.CreateIdentity(ctx, "923001234567", "Ali", relay.PlanStandard, expires)
	require.NoError(t, err)
	require.NotNil(t, detail.Subscription)
	assert.Equal(t, "923001234567", detail.Key)
	assert.Equal(t, relay.PlanStandard, detail.Subscription.Plan)
	assert.Equal(t, int64(1), detail.Subscription.Revision)

	ident, err := store.FindIdentity(ctx, "923001234567")
	require.NoError(t, err)
	assert.Equal(t, detail.ID, ident.ID)
	assert.Equal(t, "Ali", ident.Name)

	sub, err := store.FindSubscriptionByIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.True(t, sub.ExpiresAt.Equal(expires), "expires %v", sub.ExpiresAt)
	assert.False(t, sub.ReminderDay7Sent || sub.ReminderDay4Sent || sub.ReminderDay1Sent)

	_, err = store.FindIdentity(ctx, "000")
	assert.ErrorIs(t, err, relay.ErrNotFound)
	_, err = store.FindSubscriptionByIdentity(ctx, "missing")
	assert.ErrorIs(t, err, relay.ErrNotFound)
}

func testDuplicateKey(t *testing.T, store relay.Store) {
	ctx := context.Background()
	_, err := store.CreateIdentity(ctx, "923001234567", "Ali", relay.PlanBasic, Epoch.Add(time.Hour))
	require.NoError(t, err)
	_, err = store.CreateIdentity(ctx, "923001234567", "Other", relay.PlanBasic, Epoch.Add(time.Hour))
	assert.True(t, errors.Is(err, relay.ErrAlreadyExists), "got %v", err)
}

func testUsageRange(t *testing.T, store relay.Store) {
	ctx := context.Background()
	detail, err := store.CreateIdentity(ctx, "k", "n", relay.PlanBasic, Epoch.Add(time.Hour))
	require.NoError(t, err)

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{
		day.Add(-time.Millisecond), // yesterday
		day,                        // start is inclusive
		day.Add(12 * time.Hour),    // midday
		day.Add(24 * time.Hour),    // end is exclusive
		day.Add(24*time.Hour - time.Millisecond),
	} {
		_, err := store.InsertUsageRecord(ctx, detail.ID, at)
		require.NoError(t, err)
	}

	n, err := store.CountUsageInRange(ctx, detail.ID, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = store.CountUsageInRange(ctx, "nobody", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testUpsertResetsFlags(t *testing.T, store relay.Store) {
	ctx := context.Background()
	detail, err := store.CreateIdentity(ctx, "k", "n", relay.PlanBasic, Epoch.Add(7*24*time.Hour))
	require.NoError(t, err)
	sub := *detail.Subscription

	applied, err := store.SetReminderFlag(ctx, sub.ID, relay.Threshold7, sub.Revision)
	require.NoError(t, err)
	require.True(t, applied)
	got, err := store.FindSubscriptionByIdentity(ctx, detail.ID)
	require.NoError(t, err)
	assert.True(t, got.ReminderDay7Sent)
	assert.False(t, got.ReminderDay4Sent)

	renewed, err := store.UpsertSubscription(ctx, detail.ID, relay.PlanPremium, Epoch.Add(60*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, sub.ID, renewed.ID)
	assert.Equal(t, sub.Revision+1, renewed.Revision)
	assert.Equal(t, relay.PlanPremium, renewed.Plan)
	assert.False(t, renewed.ReminderDay7Sent)

	got, err = store.FindSubscriptionByIdentity(ctx, detail.ID)
	require.NoError(t, err)
	assert.False(t, got.ReminderDay7Sent)
	assert.Equal(t, renewed.Revision, got.Revision)

	_, err = store.UpsertSubscription(ctx, "missing", relay.PlanBasic, Epoch)
	assert.ErrorIs(t, err, relay.ErrNotFound)
}

func testStaleRevision(t *testing.T, store relay.Store) {
	ctx := context.Background()
	detail, err := store.CreateIdentity(ctx, "k", "n", relay.PlanBasic, Epoch.Add(4*24*time.Hour))
	require.NoError(t, err)
	scanned := *detail.Subscription

	_, err = store.UpsertSubscription(ctx, detail.ID, relay.PlanBasic, Epoch.Add(30*24*time.Hour))
	require.NoError(t, err)

	applied, err := store.SetReminderFlag(ctx, scanned.ID, relay.Threshold4, scanned.Revision)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.FindSubscriptionByIdentity(ctx, detail.ID)
	require.NoError(t, err)
	assert.False(t, got.ReminderDay4Sent)
}

func testReminderCandidates(t *testing.T, store relay.Store) {
	ctx := context.Background()
	_, err := store.CreateIdentity(ctx, "expired", "a", relay.PlanBasic, Epoch.Add(-time.Hour))
	require.NoError(t, err)
	_, err = store.CreateIdentity(ctx, "exact", "b", relay.PlanBasic, Epoch)
	require.NoError(t, err)
	live, err := store.CreateIdentity(ctx, "live", "c", relay.PlanBasic, Epoch.Add(3*24*time.Hour))
	require.NoError(t, err)

	candidates, err := store.ListReminderCandidates(ctx, Epoch)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "live", candidates[0].Identity.Key)
	assert.Equal(t, live.Subscription.ID, candidates[0].Subscription.ID)
	assert.Equal(t, live.Subscription.Revision, candidates[0].Subscription.Revision)
}

func testDetailListRenameDelete(t *testing.T, store relay.Store) {
	ctx := context.Background()
	list, err := store.ListIdentities(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	a, err := store.CreateIdentity(ctx, "a", "First", relay.PlanBasic, Epoch.Add(time.Hour))
	require.NoError(t, err)
	_, err = store.CreateIdentity(ctx, "b", "Second", relay.PlanPremium, Epoch.Add(time.Hour))
	require.NoError(t, err)
	_, err = store.InsertUsageRecord(ctx, a.ID, Epoch)
	require.NoError(t, err)

	list, err = store.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Key)
	assert.Equal(t, 1, list[0].UsageCount)
	require.NotNil(t, list[1].Subscription)
	assert.Equal(t, relay.PlanPremium, list[1].Subscription.Plan)

	require.NoError(t, store.UpdateIdentityName(ctx, "a", "Renamed"))
	detail, err := store.GetIdentityDetail(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", detail.Name)
	assert.Equal(t, 1, detail.UsageCount)
	assert.ErrorIs(t, store.UpdateIdentityName(ctx, "zzz", "x"), relay.ErrNotFound)

	require.NoError(t, store.DeleteIdentity(ctx, "a"))
	_, err = store.GetIdentityDetail(ctx, "a")
	assert.ErrorIs(t, err, relay.ErrNotFound)
	_, err = store.FindSubscriptionByIdentity(ctx, a.ID)
	assert.ErrorIs(t, err, relay.ErrNotFound)
	n, err := store.CountUsageInRange(ctx, a.ID, Epoch.Add(-time.Hour), Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, store.DeleteIdentity(ctx, "a"), relay.ErrNotFound)
}
