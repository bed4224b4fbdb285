package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := NewSQLiteStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestServiceSQLite(t *testing.T) {
	runServiceSuite(t, func(t *testing.T) Store { return newSQLiteStore(t) })
}

func TestSQLiteEntriesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	svc := NewService(store, nil, nil)
	fund(t, svc, alice, "5")

	_, err := store.db.ExecContext(ctx, `UPDATE ledger_entries SET amount = '500'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = store.db.ExecContext(ctx, `DELETE FROM ledger_entries`)
	require.Error(t, err)
}

func TestSQLiteDuplicateBalanceIsConflict(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	key := NewAccountKey(alice, "USDC", base)

	require.NoError(t, store.WithinTx(ctx, func(tx Tx) error {
		return tx.CreateBalance(ctx, newBalance(key, time.Now()))
	}))
	err := store.WithinTx(ctx, func(tx Tx) error {
		return tx.CreateBalance(ctx, newBalance(key, time.Now()))
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)
}
