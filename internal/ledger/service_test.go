package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceMemory(t *testing.T) {
	runServiceSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestRecordTransferValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)
	valid := TransferRequest{IdempotencyKey: "k", From: alice, To: bob, Amount: d("1"), Token: "USDC", ChainID: base}

	tests := []struct {
		name   string
		mutate func(r *TransferRequest)
		want   error
	}{
		{"zero amount", func(r *TransferRequest) { r.Amount = decimal.Zero }, ErrInvalidAmount},
		{"negative amount", func(r *TransferRequest) { r.Amount = d("-5") }, ErrInvalidAmount},
		{"missing key", func(r *TransferRequest) { r.IdempotencyKey = " " }, ErrInvalidTransfer},
		{"self transfer", func(r *TransferRequest) { r.To = "0X1111111111111111111111111111111111111111" }, ErrInvalidTransfer},
		{"lock category", func(r *TransferRequest) { r.Category = CategoryLock }, ErrInvalidTransfer},
		{"missing token", func(r *TransferRequest) { r.Token = "" }, ErrInvalidTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := svc.RecordTransfer(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// racingStore commits a competing transfer right after the first balance
// read of the wrapped unit of work.
type racingStore struct {
	*MemoryStore
	once sync.Once
	race func()
}

func (r *racingStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.MemoryStore.WithinTx(ctx, func(tx Tx) error {
		return fn(&racingTx{Tx: tx, store: r})
	})
}

type racingTx struct {
	Tx
	store *racingStore
}

func (t *racingTx) GetBalance(ctx context.Context, key AccountKey) (*Balance, bool, error) {
	b, found, err := t.Tx.GetBalance(ctx, key)
	t.store.once.Do(t.store.race)
	return b, found, err
}

func TestRecordTransferLosesRace(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	direct := NewService(mem, nil, nil)
	fund(t, direct, alice, "100")

	store := &racingStore{MemoryStore: mem}
	store.race = func() {
		_, err := direct.RecordTransfer(ctx, TransferRequest{
			IdempotencyKey: "winner", From: alice, To: carol, Amount: d("10"), Token: "USDC", ChainID: base,
		})
		require.NoError(t, err)
	}
	racing := NewService(store, nil, nil)

	req := TransferRequest{IdempotencyKey: "loser", From: alice, To: bob, Amount: d("20"), Token: "USDC", ChainID: base}
	_, err := racing.RecordTransfer(ctx, req)
	require.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, "90", balanceOf(t, direct, alice).Available.String())
	assert.Empty(t, mustBalances(t, direct, bob))

	var res *TransferResult
	err = RetryOnConflict(ctx, 3, func(ctx context.Context) error {
		var err error
		res, err = racing.RecordTransfer(ctx, req)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "70", res.SenderBalance.String())
}

func TestConcurrentTransfersConserveValue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	owners := []string{alice, bob, carol, "0x4444444444444444444444444444444444444444"}
	for _, o := range owners {
		fund(t, svc, o, "1000")
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker)))
			for i := 0; i < 50; i++ {
				from := owners[rng.Intn(len(owners))]
				to := owners[rng.Intn(len(owners))]
				if from == to {
					continue
				}
				req := TransferRequest{
					IdempotencyKey: fmt.Sprintf("w%d-%d", worker, i),
					From:           from,
					To:             to,
					Amount:         decimal.NewFromInt(int64(rng.Intn(300) + 1)),
					Token:          "USDC",
					ChainID:        base,
				}
				_ = RetryOnConflict(ctx, 50, func(ctx context.Context) error {
					_, err := svc.RecordTransfer(ctx, req)
					return err
				})
			}
		}(w)
	}
	wg.Wait()

	sum := decimal.Zero
	validator := NewValidator(store)
	for _, o := range owners {
		b := balanceOf(t, svc, o)
		assert.False(t, b.Available.IsNegative())
		assert.False(t, b.Locked.IsNegative())
		sum = sum.Add(b.Total)

		results, err := validator.CheckBalance(ctx, NewAccountKey(o, "USDC", base))
		require.NoError(t, err)
		for _, r := range results {
			assert.True(t, r.IsValid, "%s %s: %s", o, r.ValidationType, r.Message)
		}
	}
	assert.Equal(t, "4000", sum.String())
}

func TestDepositIsIdempotentOnTxHash(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil, nil)
	req := DepositRequest{Owner: alice, Amount: d("25"), Token: "usdc", ChainID: base, Reference: Reference{TxHash: "0xabc"}}

	first, err := svc.Deposit(ctx, req)
	require.NoError(t, err)
	second, err := svc.Deposit(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "25", balanceOf(t, svc, alice).Total.String())

	_, err = svc.Deposit(ctx, DepositRequest{Owner: alice, Amount: d("1"), Token: "USDC", ChainID: base})
	assert.ErrorIs(t, err, ErrInvalidTransfer)
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 5, func(context.Context) error {
		calls++
		return ErrInsufficientBalance
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 1, calls)

	calls = 0
	err = RetryOnConflict(context.Background(), 3, func(context.Context) error {
		calls++
		return ErrConcurrentModification
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, 3, calls)
}
