package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkrelay/internal/relay"
	"github.com/JakeFAU/linkrelay/internal/storage/storetest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "relay.db"),
		&storetest.SequentialIDs{}, storetest.FixedClock{T: storetest.Epoch})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestStoreBehaviour(t *testing.T) {
	storetest.Run(t, func(t *testing.T) relay.Store { return newStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
}

func TestOpenValidatesArguments(t *testing.T) {
	_, err := Open("", &storetest.SequentialIDs{}, storetest.FixedClock{})
	assert.Error(t, err)
	_, err = Open("x.db", nil, storetest.FixedClock{})
	assert.Error(t, err)
}

func TestInsertUsageForUnknownIdentity(t *testing.T) {
	store := newStore(t)
	_, err := store.InsertUsageRecord(context.Background(), "ghost", storetest.Epoch)
	assert.ErrorIs(t, err, relay.ErrNotFound)
}

func TestWithPragmasAppendsToExistingQuery(t *testing.T) {
	assert.Equal(t, "a.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		withPragmas("a.db"))
	assert.Contains(t, withPragmas("a.db?mode=rwc"), "a.db?mode=rwc&_pragma=foreign_keys(1)")
}
