package batch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/batchpay/internal/budget"
	"github.com/example/batchpay/internal/chain"
	"github.com/example/batchpay/internal/ledger"
)

func TestSubmitBatchRetriesFailingItemWithBackoff(t *testing.T) {
	exec := newScriptedExecutor(addr(2))
	o, sleeper := newTestOrchestrator(t, Dependencies{Executor: exec})

	items := []Item{
		usdc(addr(1), "10", base),
		usdc(addr(2), "20", base),
		usdc(addr(3), "30", base),
	}
	res, err := o.SubmitBatch(context.Background(), items, Options{
		Strategy:       StrategyConcurrent,
		MaxConcurrency: 2,
		RetryOnFailure: true,
		MaxRetries:     3,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, exec.callsTo(addr(2)))
	assert.Equal(t, 1, exec.callsTo(addr(1)))
	assert.Equal(t, 1, exec.callsTo(addr(3)))
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, sleeper.recorded())

	require.Len(t, res.Transactions, 3)
	assert.Equal(t, TxConfirmed, res.Transactions[0].Status)
	assert.Equal(t, TxFailed, res.Transactions[1].Status)
	assert.Equal(t, 3, res.Transactions[1].Retries)
	assert.Contains(t, res.Transactions[1].Error, "nonce too low")
	assert.Equal(t, TxConfirmed, res.Transactions[2].Status)

	assert.Equal(t, StatusPartialFailure, res.Status)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	assert.True(t, d("40").Equal(res.SuccessAmount))
	assert.True(t, d("60").Equal(res.TotalAmount))
	assert.Contains(t, res.Reason, "2 of 3")
}

func TestSubmitBatchWithoutRetryAttemptsOnce(t *testing.T) {
	exec := newScriptedExecutor(addr(1))
	o, sleeper := newTestOrchestrator(t, Dependencies{Executor: exec})

	res, err := o.SubmitBatch(context.Background(), []Item{usdc(addr(1), "1", base)}, Options{MaxRetries: 3})
	require.NoError(t, err)

	assert.Equal(t, 1, exec.callsTo(addr(1)))
	assert.Empty(t, sleeper.recorded())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 0, res.Transactions[0].Retries)
	assert.Contains(t, res.Reason, "all 1 transfers failed")
}

func TestSubmitBatchPreservesInputOrder(t *testing.T) {
	tronAddrs := []string{"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", "TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7"}
	var items []Item
	for i := 0; i < 12; i++ {
		switch i % 3 {
		case 0:
			items = append(items, usdc(addr(i+1), "1", base))
		case 1:
			items = append(items, usdc(addr(i+1), "1", ethereum))
		default:
			items = append(items, usdc(tronAddrs[(i/3)%2], "1", tron))
		}
	}

	for _, strategy := range []Strategy{StrategySequential, StrategyConcurrent} {
		t.Run(string(strategy), func(t *testing.T) {
			exec := newScriptedExecutor()
			rng := rand.New(rand.NewSource(42))
			gate := make(chan struct{}, 1)
			exec.latency = func(chain.Transfer) time.Duration {
				gate <- struct{}{}
				defer func() { <-gate }()
				return time.Duration(rng.Intn(3000)) * time.Microsecond
			}
			o, _ := newTestOrchestrator(t, Dependencies{Executor: exec})

			res, err := o.SubmitBatch(context.Background(), items, Options{Strategy: strategy, MaxConcurrency: 3})
			require.NoError(t, err)
			require.Len(t, res.Transactions, len(items))
			for i, tx := range res.Transactions {
				assert.Equal(t, i, tx.Index)
				assert.Equal(t, items[i].To, tx.To)
				assert.Equal(t, items[i].ChainID, tx.ChainID)
				assert.Equal(t, TxConfirmed, tx.Status)
			}
			assert.Equal(t, StatusCompleted, res.Status)
			assert.Equal(t, strategy, res.Strategy)
		})
	}
}

func TestConcurrentWindowsAreJoinedPerChain(t *testing.T) {
	exec := newScriptedExecutor()
	exec.latency = func(chain.Transfer) time.Duration { return 2 * time.Millisecond }
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec})

	var items []Item
	for i := 1; i <= 6; i++ {
		items = append(items, usdc(addr(i), "1", base))
	}
	_, err := o.SubmitBatch(context.Background(), items, Options{Strategy: StrategyConcurrent, MaxConcurrency: 2})
	require.NoError(t, err)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.LessOrEqual(t, exec.maxInFlight[base], 2)
	for i := 1; i <= 6; i++ {
		window := (i - 1) / 2
		assert.GreaterOrEqual(t, exec.doneAtStart[addr(i)], window*2, "item %d started before the previous window finished", i)
	}
}

func TestSequentialRunsOneAtATime(t *testing.T) {
	exec := newScriptedExecutor()
	exec.latency = func(chain.Transfer) time.Duration { return time.Millisecond }
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec})

	items := []Item{usdc(addr(1), "1", base), usdc(addr(2), "1", ethereum), usdc(addr(3), "1", base)}
	_, err := o.SubmitBatch(context.Background(), items, Options{Strategy: StrategySequential})
	require.NoError(t, err)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, 1, exec.maxInFlight[base])
	assert.Equal(t, 1, exec.maxInFlight[ethereum])
}

func TestPartialFailureIsIsolated(t *testing.T) {
	exec := newScriptedExecutor(addr(4))
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec})

	var items []Item
	for i := 1; i <= 7; i++ {
		items = append(items, usdc(addr(i), "5", base))
	}
	res, err := o.SubmitBatch(context.Background(), items, Options{MaxConcurrency: 3, RetryOnFailure: true, MaxRetries: 2})
	require.NoError(t, err)

	assert.Equal(t, StatusPartialFailure, res.Status)
	assert.Equal(t, 6, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	for i, tx := range res.Transactions {
		if i == 3 {
			assert.Equal(t, TxFailed, tx.Status)
			continue
		}
		assert.Equal(t, TxConfirmed, tx.Status)
		assert.NotEmpty(t, tx.TxHash)
	}
}

func TestSubmitBatchRejectsInvalidBatchBeforeExecution(t *testing.T) {
	exec := newScriptedExecutor()
	guard := &fakeGuard{decision: budget.Decision{Allowed: true}}
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec, Budget: guard})

	items := []Item{usdc(addr(1), "1", base), usdc("0x123", "1", base)}
	res, err := o.SubmitBatch(context.Background(), items, Options{Owner: OwnerContext{AgentID: "agent-1"}})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidBatch)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Issues, 1)
	assert.Equal(t, 1, ve.Issues[0].Index)

	assert.Zero(t, exec.totalCalls())
	assert.Empty(t, guard.checks)
}

func TestSubmitBatchRejectsUnknownStrategy(t *testing.T) {
	o, _ := newTestOrchestrator(t, Dependencies{Executor: newScriptedExecutor()})
	_, err := o.SubmitBatch(context.Background(), []Item{usdc(addr(1), "1", base)}, Options{Strategy: "parallel"})
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestSubmitBatchBudgetDenied(t *testing.T) {
	exec := newScriptedExecutor()
	guard := &fakeGuard{decision: budget.Decision{Reason: "daily limit exceeded"}}
	store := NewMemoryStore()
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec, Budget: guard, Store: store})

	items := []Item{usdc(addr(1), "40", base), usdc(addr(2), "60", base)}
	owner := OwnerContext{AgentID: "agent-1", OwnerAddress: addr(99), Sender: addr(98)}
	res, err := o.SubmitBatch(context.Background(), items, Options{Owner: owner})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetDenied)
	var denied *BudgetDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "daily limit exceeded", denied.Reason)

	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, res.FailureCount)
	assert.Contains(t, res.Reason, "no transfers were attempted")
	for _, tx := range res.Transactions {
		assert.Equal(t, TxFailed, tx.Status)
		assert.Equal(t, "daily limit exceeded", tx.Error)
	}
	assert.Zero(t, exec.totalCalls())

	require.Len(t, guard.checks, 1)
	assert.True(t, d("100").Equal(guard.checks[0].Amount))
	assert.Equal(t, "agent-1", guard.checks[0].AgentID)
	assert.Equal(t, addr(98), guard.checks[0].Sender)
	assert.Empty(t, guard.spent)

	_, err = o.GetBatch(context.Background(), res.BatchID)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestSubmitBatchBudgetUnavailableFailsClosed(t *testing.T) {
	exec := newScriptedExecutor()
	guard := &fakeGuard{err: errors.New("redis: connection refused")}
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec, Budget: guard})

	_, err := o.SubmitBatch(context.Background(), []Item{usdc(addr(1), "1", base)}, Options{Owner: OwnerContext{AgentID: "agent-1"}})
	assert.ErrorIs(t, err, ErrBudgetDenied)
	assert.Zero(t, exec.totalCalls())
}

func TestSubmitBatchSettlesBudget(t *testing.T) {
	exec := newScriptedExecutor(addr(2))
	guard := &fakeGuard{decision: budget.Decision{Allowed: true}}
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec, Budget: guard})

	items := []Item{usdc(addr(1), "15", base), usdc(addr(2), "25", base), usdc(addr(3), "35", base)}
	_, err := o.SubmitBatch(context.Background(), items, Options{Owner: OwnerContext{AgentID: "agent-1"}})
	require.NoError(t, err)

	require.Len(t, guard.spent, 1)
	assert.True(t, d("50").Equal(guard.spent[0]))
	assert.Equal(t, 1, guard.failures)
}

func TestUnconstrainedCallerSkipsBudget(t *testing.T) {
	guard := &fakeGuard{decision: budget.Decision{Reason: "never allowed"}}
	o, _ := newTestOrchestrator(t, Dependencies{Executor: newScriptedExecutor(), Budget: guard})

	res, err := o.SubmitBatch(context.Background(), []Item{usdc(addr(1), "1", base)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, guard.checks)
}

func fundSender(t *testing.T, svc *ledger.Service, owner, amount string) {
	t.Helper()
	_, err := svc.Deposit(context.Background(), ledger.DepositRequest{
		Owner:     owner,
		Amount:    d(amount),
		Token:     "USDC",
		ChainID:   base,
		Reference: ledger.Reference{TxHash: "0xdeposit-" + t.Name()},
	})
	require.NoError(t, err)
}

func senderBalance(t *testing.T, svc *ledger.Service, owner string) ledger.BalanceInfo {
	t.Helper()
	balances, err := svc.GetUserBalances(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	return balances[0]
}

func TestSubmitBatchLocksAndReleasesSenderFunds(t *testing.T) {
	svc := ledger.NewService(ledger.NewMemoryStore(), nil, nil)
	sender := addr(500)
	fundSender(t, svc, sender, "1000")

	exec := newScriptedExecutor(addr(2))
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec, Ledger: svc})

	items := []Item{usdc(addr(1), "100", base), usdc(addr(2), "100", base), usdc(addr(3), "100", base)}
	res, err := o.SubmitBatch(context.Background(), items, Options{Owner: OwnerContext{Sender: sender}})
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, res.Status)

	bal := senderBalance(t, svc, sender)
	assert.True(t, d("800").Equal(bal.Available), "available %s", bal.Available)
	assert.True(t, bal.Locked.IsZero(), "locked %s", bal.Locked)
	assert.True(t, d("800").Equal(bal.Total), "total %s", bal.Total)

	page, err := svc.GetLedgerEntries(context.Background(), ledger.EntryFilter{Owner: sender, ReferenceID: res.BatchID})
	require.NoError(t, err)
	var locks, unlocks int
	for _, e := range page.Entries {
		switch e.Category {
		case ledger.CategoryLock:
			locks++
		case ledger.CategoryUnlock:
			unlocks++
		}
	}
	assert.Equal(t, 3, locks)
	assert.Equal(t, 3, unlocks)
}

func TestLockFailureFailsItemWithoutChainCall(t *testing.T) {
	svc := ledger.NewService(ledger.NewMemoryStore(), nil, nil)
	sender := addr(501)
	fundSender(t, svc, sender, "150")

	exec := newScriptedExecutor()
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec, Ledger: svc})

	items := []Item{usdc(addr(1), "100", base), usdc(addr(2), "100", base)}
	res, err := o.SubmitBatch(context.Background(), items, Options{Strategy: StrategySequential, Owner: OwnerContext{Sender: sender}})
	require.NoError(t, err)

	assert.Equal(t, StatusPartialFailure, res.Status)
	assert.Equal(t, TxConfirmed, res.Transactions[0].Status)
	assert.Equal(t, TxFailed, res.Transactions[1].Status)
	assert.Contains(t, res.Transactions[1].Error, "insufficient balance")
	assert.Zero(t, exec.callsTo(addr(2)))

	bal := senderBalance(t, svc, sender)
	assert.True(t, d("50").Equal(bal.Available))
	assert.True(t, bal.Locked.IsZero())
}

func TestTrackingFailuresDoNotBlockExecution(t *testing.T) {
	exec := newScriptedExecutor()
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec, Store: failingStore{}})

	res, err := o.SubmitBatch(context.Background(), []Item{usdc(addr(1), "1", base), usdc(addr(2), "1", base)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, exec.totalCalls())
}

func TestSubmitBatchEmitsAuditEvents(t *testing.T) {
	auditor := &memoryAuditor{}
	o, _ := newTestOrchestrator(t, Dependencies{Executor: newScriptedExecutor(), Auditor: auditor})

	_, err := o.SubmitBatch(context.Background(), []Item{usdc(addr(1), "1", base), usdc(addr(2), "1", base)}, Options{Strategy: StrategySequential})
	require.NoError(t, err)
	assert.Equal(t, []string{"batch.submitted", "batch.item", "batch.item", "batch.completed"}, auditor.kinds())
}

func TestDuplicateDestinationsAreWarnings(t *testing.T) {
	o, _ := newTestOrchestrator(t, Dependencies{Executor: newScriptedExecutor()})

	upper := "0x" + strings.ToUpper(addr(1)[2:])
	res, err := o.SubmitBatch(context.Background(), []Item{usdc(addr(1), "1", base), usdc(upper, "2", base)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "item 1")
}

func TestGetBatch(t *testing.T) {
	o, _ := newTestOrchestrator(t, Dependencies{Executor: newScriptedExecutor(addr(2))})

	submitted, err := o.SubmitBatch(context.Background(), []Item{usdc(addr(1), "1", base), usdc(addr(2), "2", base)}, Options{})
	require.NoError(t, err)

	got, err := o.GetBatch(context.Background(), submitted.BatchID)
	require.NoError(t, err)
	assert.Equal(t, submitted.Status, got.Status)
	assert.Equal(t, submitted.SuccessCount, got.SuccessCount)
	assert.Equal(t, submitted.Transactions, got.Transactions)
	assert.NotNil(t, got.CompletedAt)

	_, err = o.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestGetBatchDerivesStatusWhenHeaderUpdateWasLost(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	h := &Header{
		BatchID:    "b-lost",
		Status:     StatusProcessing,
		Items:      []Item{usdc(addr(1), "1", base), usdc(addr(2), "1", base)},
		TotalCount: 2,
	}
	require.NoError(t, store.CreateBatch(ctx, h))
	require.NoError(t, store.SaveResult(ctx, h.BatchID, TxResult{Index: 0, Status: TxConfirmed, Amount: d("1")}))
	o, _ := newTestOrchestrator(t, Dependencies{Executor: newScriptedExecutor(), Store: store})

	res, err := o.GetBatch(ctx, h.BatchID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Contains(t, res.Reason, "still in flight")

	require.NoError(t, store.SaveResult(ctx, h.BatchID, TxResult{Index: 1, Status: TxFailed, Amount: d("1")}))
	res, err = o.GetBatch(ctx, h.BatchID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, res.Status)
}

func TestRetryFailed(t *testing.T) {
	exec := newScriptedExecutor(addr(2), addr(3))
	guard := &fakeGuard{decision: budget.Decision{Allowed: true}}
	o, _ := newTestOrchestrator(t, Dependencies{Executor: exec, Budget: guard})
	ctx := context.Background()

	items := []Item{usdc(addr(1), "1", base), usdc(addr(2), "2", base), usdc(addr(3), "3", base)}
	owner := OwnerContext{AgentID: "agent-7"}
	first, err := o.SubmitBatch(ctx, items, Options{Owner: owner})
	require.NoError(t, err)
	require.Equal(t, StatusPartialFailure, first.Status)

	exec.setFailing(addr(2), false)
	second, err := o.RetryFailed(ctx, first.BatchID, []int{1}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, second.Status)
	assert.Equal(t, TxConfirmed, second.Transactions[1].Status)
	assert.Equal(t, TxFailed, second.Transactions[2].Status)
	assert.Equal(t, 1, exec.callsTo(addr(1)))
	assert.Equal(t, 1, exec.callsTo(addr(3)))
	assert.Contains(t, exec.keys, first.BatchID+":1:r1")

	require.Len(t, guard.checks, 2)
	assert.Equal(t, "agent-7", guard.checks[1].AgentID, "retry reuses the stored owner")
	assert.True(t, d("2").Equal(guard.checks[1].Amount))

	exec.setFailing(addr(3), false)
	third, err := o.RetryFailed(ctx, first.BatchID, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, third.Status)
	assert.Equal(t, 3, third.SuccessCount)

	// each round books only the items it executed
	guard.mu.Lock()
	spent, failures := guard.spent, guard.failures
	guard.mu.Unlock()
	require.Len(t, spent, 3)
	assert.True(t, d("1").Equal(spent[0]))
	assert.True(t, d("2").Equal(spent[1]))
	assert.True(t, d("3").Equal(spent[2]))
	assert.Equal(t, 1, failures, "untouched failures are not charged again")

	_, err = o.RetryFailed(ctx, first.BatchID, nil, Options{})
	var te *TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestRetryFailedRejectsNonFailedItems(t *testing.T) {
	o, _ := newTestOrchestrator(t, Dependencies{Executor: newScriptedExecutor(addr(2))})
	ctx := context.Background()

	res, err := o.SubmitBatch(ctx, []Item{usdc(addr(1), "1", base), usdc(addr(2), "1", base)}, Options{})
	require.NoError(t, err)

	_, err = o.RetryFailed(ctx, res.BatchID, []int{0, 5}, Options{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Issues, 2)

	_, err = o.RetryFailed(ctx, "missing", nil, Options{})
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestRetryFailedWhileProcessing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	h := &Header{BatchID: "b-busy", Status: StatusProcessing, Items: []Item{usdc(addr(1), "1", base)}, TotalCount: 1}
	require.NoError(t, store.CreateBatch(ctx, h))
	o, _ := newTestOrchestrator(t, Dependencies{Executor: newScriptedExecutor(), Store: store})

	_, err := o.RetryFailed(ctx, h.BatchID, nil, Options{})
	assert.ErrorIs(t, err, ErrBatchProcessing)
}

func TestCancelledCallerDoesNotAbortRetries(t *testing.T) {
	exec := newScriptedExecutor(addr(1))
	o, sleeper := newTestOrchestrator(t, Dependencies{Executor: exec})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := []Item{usdc(addr(1), "1", base), usdc(addr(2), "1", base)}
	res, err := o.SubmitBatch(ctx, items, Options{RetryOnFailure: true, MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, exec.callsTo(addr(1)))
	assert.Len(t, sleeper.recorded(), 3)
	assert.Equal(t, 3, res.Transactions[0].Retries)
	assert.NotContains(t, res.Transactions[0].Error, "retry aborted")
	assert.Equal(t, TxConfirmed, res.Transactions[1].Status)
	assert.Equal(t, StatusPartialFailure, res.Status)

	got, err := o.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, got.Status)
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Config{}, Dependencies{Executor: newScriptedExecutor()})
	assert.Error(t, err)
	_, err = NewOrchestrator(Config{}, Dependencies{Registry: chain.DefaultRegistry()})
	assert.Error(t, err)
}

func TestCalculateTotals(t *testing.T) {
	totals := CalculateTotals([]Item{
		usdc(addr(1), "1.5", base),
		{To: addr(2), Amount: d("0.25"), Token: "eth", ChainID: base},
		usdc(addr(3), "2.5", ethereum),
	})
	assert.True(t, decimal.NewFromInt(4).Equal(totals["USDC"]))
	assert.True(t, d("0.25").Equal(totals["ETH"]))
}
