package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/batchpay/internal/budget"
	"github.com/example/batchpay/internal/chain"
)

const (
	base     = int64(8453)
	ethereum = int64(1)
	tron     = int64(728126428)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func addr(n int) string { return fmt.Sprintf("0x%040x", n) }

func usdc(to string, amount string, chainID int64) Item {
	return Item{To: to, Amount: d(amount), Token: "USDC", ChainID: chainID}
}

type scriptedExecutor struct {
	mu      sync.Mutex
	fail    map[string]bool
	latency func(t chain.Transfer) time.Duration
	calls   map[string]int
	keys    []string

	inFlight    map[int64]int
	maxInFlight map[int64]int
	done        map[int64]int
	// doneAtStart records, per destination, how many calls on its chain had
	// finished when it started.
	doneAtStart map[string]int
}

func newScriptedExecutor(failing ...string) *scriptedExecutor {
	e := &scriptedExecutor{
		fail:        make(map[string]bool),
		calls:       make(map[string]int),
		inFlight:    make(map[int64]int),
		maxInFlight: make(map[int64]int),
		done:        make(map[int64]int),
		doneAtStart: make(map[string]int),
	}
	for _, a := range failing {
		e.fail[strings.ToLower(a)] = true
	}
	return e
}

func (e *scriptedExecutor) setFailing(a string, failing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[strings.ToLower(a)] = failing
}

func (e *scriptedExecutor) Execute(_ context.Context, t chain.Transfer) (*chain.Receipt, error) {
	to := strings.ToLower(t.To)
	e.mu.Lock()
	e.calls[to]++
	e.keys = append(e.keys, t.IdempotencyKey)
	if _, ok := e.doneAtStart[to]; !ok {
		e.doneAtStart[to] = e.done[t.ChainID]
	}
	e.inFlight[t.ChainID]++
	if e.inFlight[t.ChainID] > e.maxInFlight[t.ChainID] {
		e.maxInFlight[t.ChainID] = e.inFlight[t.ChainID]
	}
	failing := e.fail[to]
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight[t.ChainID]--
		e.done[t.ChainID]++
		e.mu.Unlock()
	}()

	if e.latency != nil {
		time.Sleep(e.latency(t))
	}
	if failing {
		return nil, errors.New("execution reverted: nonce too low")
	}
	return &chain.Receipt{Success: true, TxHash: "0xhash-" + to, GasUsed: 21000}, nil
}

func (e *scriptedExecutor) callsTo(a string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[strings.ToLower(a)]
}

func (e *scriptedExecutor) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, delay time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, delay)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fakeGuard struct {
	mu       sync.Mutex
	decision budget.Decision
	err      error
	checks   []budget.Request
	spent    []decimal.Decimal
	failures int
}

func (g *fakeGuard) Check(_ context.Context, req budget.Request) (*budget.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks = append(g.checks, req)
	if g.err != nil {
		return nil, g.err
	}
	decision := g.decision
	return &decision, nil
}

func (g *fakeGuard) RecordSuccess(_ context.Context, _ string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spent = append(g.spent, amount)
	return nil
}

func (g *fakeGuard) RecordFailure(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	return nil
}

// failingStore rejects every write and read.
type failingStore struct{}

var errStoreDown = errors.New("store unavailable")

func (failingStore) CreateBatch(context.Context, *Header) error         { return errStoreDown }
func (failingStore) UpdateBatch(context.Context, *Header) error         { return errStoreDown }
func (failingStore) SaveResult(context.Context, string, TxResult) error { return errStoreDown }
func (failingStore) GetBatch(context.Context, string) (*Header, []TxResult, error) {
	return nil, nil, errStoreDown
}

type auditRecord struct {
	kind   string
	fields map[string]any
}

type memoryAuditor struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *memoryAuditor) Append(_ context.Context, kind string, fields map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{kind: kind, fields: fields})
	return nil
}

func (a *memoryAuditor) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.records))
	for i, r := range a.records {
		out[i] = r.kind
	}
	return out
}

func newTestOrchestrator(t *testing.T, deps Dependencies) (*Orchestrator, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	if deps.Registry == nil {
		deps.Registry = chain.DefaultRegistry()
	}
	if deps.Sleeper == nil {
		deps.Sleeper = sleeper
	}
	o, err := NewOrchestrator(Config{RetryBaseDelay: 5 * time.Second}, deps)
	require.NoError(t, err)
	return o, sleeper
}
