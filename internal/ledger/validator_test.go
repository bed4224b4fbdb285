package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorDetectsDrift(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	fund(t, svc, alice, "20")
	key := NewAccountKey(alice, "USDC", base)

	// a write that bypasses the service leaves no entry behind
	require.NoError(t, store.WithinTx(ctx, func(tx Tx) error {
		b, _, err := tx.GetBalance(ctx, key)
		if err != nil {
			return err
		}
		b.Available = b.Available.Add(d("5"))
		return tx.UpdateBalance(ctx, b, b.Version)
	}))

	results, err := NewValidator(store).CheckBalance(ctx, key)
	require.NoError(t, err)

	byType := map[string]*ValidationResult{}
	for _, r := range results {
		byType[r.ValidationType] = r
	}
	assert.False(t, byType["balance_equation"].IsValid)
	assert.True(t, byType["non_negative"].IsValid)
	assert.False(t, byType["entry_replay"].IsValid)
	assert.Equal(t, "20", byType["entry_replay"].Details["replayed_available"])
}

func TestValidatorCheckTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	fund(t, svc, alice, "20")
	v := NewValidator(store)

	missing, err := v.CheckTransaction(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, missing.IsValid)

	lock, err := svc.LockBalance(ctx, LockRequest{Owner: alice, Amount: d("5"), Token: "USDC", ChainID: base})
	require.NoError(t, err)
	require.NotNil(t, lock)

	page, err := svc.GetLedgerEntries(ctx, EntryFilter{Category: CategoryLock})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)

	res, err := v.CheckTransaction(ctx, page.Entries[0].TransactionID)
	require.NoError(t, err)
	assert.True(t, res.IsValid, res.Message)
}
