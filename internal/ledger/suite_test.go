package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	carol = "0x3333333333333333333333333333333333333333"
	base  = int64(8453)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fund(t *testing.T, svc *Service, owner, amount string) {
	t.Helper()
	_, err := svc.Deposit(context.Background(), DepositRequest{
		Owner:     owner,
		Amount:    d(amount),
		Token:     "USDC",
		ChainID:   base,
		Reference: Reference{TxHash: fmt.Sprintf("0xfund-%s-%s-%s", owner, amount, t.Name())},
	})
	require.NoError(t, err)
}

func balanceOf(t *testing.T, svc *Service, owner string) BalanceInfo {
	t.Helper()
	balances, err := svc.GetUserBalances(context.Background(), owner)
	require.NoError(t, err)
	for _, b := range balances {
		if b.Token == "USDC" && b.ChainID == base {
			return b
		}
	}
	return BalanceInfo{Owner: owner, Token: "USDC", ChainID: base}
}

// runServiceSuite exercises the ledger service against a fresh store per subtest.
func runServiceSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("TransferMovesFunds", func(t *testing.T) {
		svc := NewService(newStore(t), nil, nil)
		fund(t, svc, alice, "150")

		res, err := svc.RecordTransfer(ctx, TransferRequest{
			IdempotencyKey: "pay-1",
			From:           alice,
			To:             bob,
			Amount:         d("100"),
			Token:          "USDC",
			ChainID:        base,
		})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, "50", res.SenderBalance.String())
		assert.Equal(t, "100", res.ReceiverBalance.String())

		page, err := svc.GetLedgerEntries(ctx, EntryFilter{TransactionID: res.TransactionID})
		require.NoError(t, err)
		require.Len(t, page.Entries, 2)
		net := decimal.Zero
		for _, e := range page.Entries {
			assert.Equal(t, "100", e.Amount.String())
			assert.True(t, e.BalanceAfter.Sub(e.BalanceBefore).Equal(e.SignedAmount()))
			net = net.Add(e.SignedAmount())
		}
		assert.True(t, net.IsZero())

		check, err := NewValidator(svc.store).CheckTransaction(ctx, res.TransactionID)
		require.NoError(t, err)
		assert.True(t, check.IsValid, check.Message)
	})

	t.Run("InsufficientBalanceLeavesNoTrace", func(t *testing.T) {
		svc := NewService(newStore(t), nil, nil)
		fund(t, svc, alice, "150")

		_, err := svc.RecordTransfer(ctx, TransferRequest{
			IdempotencyKey: "pay-2",
			From:           alice,
			To:             bob,
			Amount:         d("200"),
			Token:          "USDC",
			ChainID:        base,
		})
		require.ErrorIs(t, err, ErrInsufficientBalance)
		var balErr *BalanceError
		require.ErrorAs(t, err, &balErr)
		assert.Equal(t, "150", balErr.Available.String())

		page, err := svc.GetLedgerEntries(ctx, EntryFilter{Category: CategoryPayment})
		require.NoError(t, err)
		assert.Zero(t, page.Total)
		assert.Equal(t, "150", balanceOf(t, svc, alice).Available.String())
		assert.Empty(t, mustBalances(t, svc, bob))
	})

	t.Run("IdempotentReplay", func(t *testing.T) {
		svc := NewService(newStore(t), nil, nil)
		fund(t, svc, alice, "150")
		req := TransferRequest{
			IdempotencyKey: "pay-3",
			From:           alice,
			To:             bob,
			Amount:         d("40"),
			Token:          "USDC",
			ChainID:        base,
		}

		first, err := svc.RecordTransfer(ctx, req)
		require.NoError(t, err)
		second, err := svc.RecordTransfer(ctx, req)
		require.NoError(t, err)

		assert.True(t, second.Duplicate)
		assert.Equal(t, first.TransactionID, second.TransactionID)
		assert.Equal(t, first.SenderBalance.String(), second.SenderBalance.String())

		page, err := svc.GetLedgerEntries(ctx, EntryFilter{Category: CategoryPayment})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		assert.Equal(t, "110", balanceOf(t, svc, alice).Available.String())
	})

	t.Run("DepositKeysDoNotCollideWithTransfers", func(t *testing.T) {
		svc := NewService(newStore(t), nil, nil)
		fund(t, svc, alice, "50")

		transfer, err := svc.RecordTransfer(ctx, TransferRequest{
			IdempotencyKey: "shared-key", From: alice, To: bob, Amount: d("20"), Token: "USDC", ChainID: base,
		})
		require.NoError(t, err)

		dep, err := svc.Deposit(ctx, DepositRequest{
			IdempotencyKey: "shared-key", Owner: carol, Amount: d("5"), Token: "USDC", ChainID: base,
		})
		require.NoError(t, err)
		assert.False(t, dep.Duplicate)
		assert.NotEqual(t, transfer.TransactionID, dep.TransactionID)
		assert.True(t, d("5").Equal(dep.Available))
		assert.True(t, d("5").Equal(balanceOf(t, svc, carol).Available))

		again, err := svc.Deposit(ctx, DepositRequest{
			IdempotencyKey: "shared-key", Owner: carol, Amount: d("5"), Token: "USDC", ChainID: base,
		})
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, dep.TransactionID, again.TransactionID)
	})

	t.Run("LockUnlockRoundTrip", func(t *testing.T) {
		svc := NewService(newStore(t), nil, nil)
		fund(t, svc, alice, "100")
		before := balanceOf(t, svc, alice)

		locked, err := svc.LockBalance(ctx, LockRequest{Owner: alice, Amount: d("30"), Token: "USDC", ChainID: base})
		require.NoError(t, err)
		assert.Equal(t, "70", locked.Available.String())
		assert.Equal(t, "30", locked.Locked.String())

		_, err = svc.UnlockBalance(ctx, UnlockRequest{Owner: alice, Amount: d("30"), Token: "USDC", ChainID: base})
		require.NoError(t, err)

		after := balanceOf(t, svc, alice)
		assert.True(t, before.Available.Equal(after.Available))
		assert.True(t, before.Locked.Equal(after.Locked))
		assert.True(t, before.Total.Equal(after.Total))
	})

	t.Run("UnlockSuccessSpendsFunds", func(t *testing.T) {
		svc := NewService(newStore(t), nil, nil)
		fund(t, svc, alice, "100")

		_, err := svc.LockBalance(ctx, LockRequest{Owner: alice, Amount: d("50"), Token: "USDC", ChainID: base})
		require.NoError(t, err)
		postLock := balanceOf(t, svc, alice)

		res, err := svc.UnlockBalance(ctx, UnlockRequest{Owner: alice, Amount: d("50"), Token: "USDC", ChainID: base, Success: true})
		require.NoError(t, err)

		assert.Equal(t, "0", res.Locked.String())
		assert.Equal(t, "50", res.Total.String())
		assert.True(t, postLock.Available.Equal(res.Available))

		results, err := NewValidator(svc.store).CheckBalance(ctx, NewAccountKey(alice, "USDC", base))
		require.NoError(t, err)
		for _, r := range results {
			assert.True(t, r.IsValid, "%s: %s", r.ValidationType, r.Message)
		}
	})

	t.Run("LockAndUnlockLimits", func(t *testing.T) {
		svc := NewService(newStore(t), nil, nil)
		fund(t, svc, alice, "10")

		_, err := svc.LockBalance(ctx, LockRequest{Owner: alice, Amount: d("11"), Token: "USDC", ChainID: base})
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		_, err = svc.LockBalance(ctx, LockRequest{Owner: alice, Amount: d("4"), Token: "USDC", ChainID: base})
		require.NoError(t, err)
		_, err = svc.UnlockBalance(ctx, UnlockRequest{Owner: alice, Amount: d("5"), Token: "USDC", ChainID: base})
		assert.ErrorIs(t, err, ErrLockExceeded)

		_, err = svc.UnlockBalance(ctx, UnlockRequest{Owner: carol, Amount: d("1"), Token: "USDC", ChainID: base})
		assert.ErrorIs(t, err, ErrLockExceeded)
	})

	t.Run("EntryPagination", func(t *testing.T) {
		svc := NewService(newStore(t), nil, nil)
		fund(t, svc, alice, "100")
		for i := 0; i < 5; i++ {
			_, err := svc.RecordTransfer(ctx, TransferRequest{
				IdempotencyKey: fmt.Sprintf("page-%d", i),
				From:           alice,
				To:             bob,
				Amount:         d("1"),
				Token:          "USDC",
				ChainID:        base,
				Reference:      Reference{Type: "batch", ID: "b-1"},
			})
			require.NoError(t, err)
		}

		page, err := svc.GetLedgerEntries(ctx, EntryFilter{Owner: alice, ReferenceType: "batch", Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		assert.Len(t, page.Entries, 2)
		for _, e := range page.Entries {
			assert.Equal(t, EntryDebit, e.EntryType)
			assert.Equal(t, "b-1", e.ReferenceID)
		}

		page, err = svc.GetLedgerEntries(ctx, EntryFilter{Owner: alice, Offset: 100})
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
		assert.Equal(t, 6, page.Total)
	})

	t.Run("StaleVersionIsRejected", func(t *testing.T) {
		store := newStore(t)
		svc := NewService(store, nil, nil)
		fund(t, svc, alice, "10")
		key := NewAccountKey(alice, "USDC", base)

		err := store.WithinTx(ctx, func(tx Tx) error {
			b, found, err := tx.GetBalance(ctx, key)
			require.NoError(t, err)
			require.True(t, found)
			b.Available = b.Available.Sub(d("1"))
			b.Total = b.Total.Sub(d("1"))
			return tx.UpdateBalance(ctx, b, b.Version+7)
		})
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.True(t, IsRetryable(err))
		assert.Equal(t, "10", balanceOf(t, svc, alice).Available.String())
	})
}

func mustBalances(t *testing.T, svc *Service, owner string) []BalanceInfo {
	t.Helper()
	out, err := svc.GetUserBalances(context.Background(), owner)
	require.NoError(t, err)
	return out
}
