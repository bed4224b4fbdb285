package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/batchpay/internal/budget"
	"github.com/example/batchpay/internal/chain"
	"github.com/example/batchpay/internal/ledger"
	"github.com/example/batchpay/internal/logging"
	"github.com/example/batchpay/internal/metrics"
)

// Executor submits one transfer on chain.
type Executor interface {
	Execute(ctx context.Context, t chain.Transfer) (*chain.Receipt, error)
}

// BudgetGuard is consulted before a batch runs and told what it spent.
type BudgetGuard interface {
	Check(ctx context.Context, req budget.Request) (*budget.Decision, error)
	RecordSuccess(ctx context.Context, agentID string, amount decimal.Decimal) error
	RecordFailure(ctx context.Context, agentID string) error
}

// GasEstimator prices a representative transfer per chain.
type GasEstimator interface {
	EstimateTransferGas(ctx context.Context, chainID int64, token, to string, amount decimal.Decimal) (*chain.GasQuote, error)
	GetGasPrice(ctx context.Context, chainID int64) (*chain.GasPrice, error)
}

// Ledger reserves sender funds around each on-chain call.
type Ledger interface {
	LockBalance(ctx context.Context, req ledger.LockRequest) (*ledger.LockResult, error)
	UnlockBalance(ctx context.Context, req ledger.UnlockRequest) (*ledger.UnlockResult, error)
}

// Auditor records money-movement events.
type Auditor interface {
	Append(ctx context.Context, kind string, fields map[string]any) error
}

const referenceType = "batch"

// Config holds orchestrator defaults.
type Config struct {
	MaxConcurrency int
	MaxRetries     int
	RetryBaseDelay time.Duration
	LedgerAttempts int
	// PrivateKeyRef is used when the caller does not name a signing key.
	PrivateKeyRef string
}

func (c *Config) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	if c.LedgerAttempts <= 0 {
		c.LedgerAttempts = 5
	}
}

// Dependencies are the orchestrator's collaborators. Registry and Executor
// are required; the rest are optional.
type Dependencies struct {
	Registry *chain.Registry
	Executor Executor
	Budget   BudgetGuard
	Gas      GasEstimator
	Ledger   Ledger
	Store    Store
	Auditor  Auditor
	Sleeper  Sleeper
	Logger   *zap.Logger
	Metrics  *metrics.Collectors
}

// Orchestrator validates, partitions and drives batches to a terminal state.
type Orchestrator struct {
	cfg      Config
	registry *chain.Registry
	executor Executor
	budget   BudgetGuard
	gas      GasEstimator
	ledger   Ledger
	store    Store
	auditor  Auditor
	sleeper  Sleeper
	logger   *zap.Logger
	metrics  *metrics.Collectors
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	active map[string]struct{}
}

// NewOrchestrator wires an orchestrator from cfg and deps.
func NewOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, errors.New("batch: chain registry is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("batch: executor is required")
	}
	cfg.setDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		registry: deps.Registry,
		executor: deps.Executor,
		budget:   deps.Budget,
		gas:      deps.Gas,
		ledger:   deps.Ledger,
		store:    deps.Store,
		auditor:  deps.Auditor,
		sleeper:  deps.Sleeper,
		logger:   logging.OrNop(deps.Logger),
		metrics:  deps.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
		active:   make(map[string]struct{}),
	}
	if o.sleeper == nil {
		o.sleeper = TimerSleeper{}
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	return o, nil
}

// run is the mutable state of one execution pass over a batch.
type run struct {
	header  *Header
	opts    Options
	results []TxResult
	// indices executed by this run; budget settlement covers only these
	indices []int
	started time.Time
}

// executed returns the results of the items this run touched.
func (r *run) executed() []TxResult {
	out := make([]TxResult, 0, len(r.indices))
	for _, idx := range r.indices {
		out = append(out, r.results[idx])
	}
	return out
}

func (o *Orchestrator) normalize(opts Options) (Options, error) {
	switch opts.Strategy {
	case "":
		opts.Strategy = StrategyConcurrent
	case StrategySequential, StrategyConcurrent:
	default:
		return opts, &ValidationError{Message: fmt.Sprintf("unknown strategy %q", opts.Strategy)}
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = o.cfg.MaxConcurrency
	}
	if opts.MaxConcurrency > MaxBatchSize {
		opts.MaxConcurrency = MaxBatchSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryOnFailure && opts.MaxRetries == 0 {
		opts.MaxRetries = o.cfg.MaxRetries
	}
	if opts.Owner.PrivateKeyRef == "" {
		opts.Owner.PrivateKeyRef = o.cfg.PrivateKeyRef
	}
	return opts, nil
}

// SubmitBatch validates items, checks the budget and executes every item
// until it is confirmed or out of retries. Validation and budget failures
// return an error and run nothing; per-item failures only show in the Result.
func (o *Orchestrator) SubmitBatch(ctx context.Context, items []Item, opts Options) (*Result, error) {
	opts, err := o.normalize(opts)
	if err != nil {
		return nil, err
	}
	warnings, err := Validate(o.registry, items)
	if err != nil {
		o.logger.Info("batch rejected", zap.Int("items", len(items)), zap.Error(err))
		o.metrics.RecordBatch("invalid", 0)
		return nil, err
	}

	now := o.now()
	h := &Header{
		BatchID:    o.newID(),
		Status:     StatusProcessing,
		Strategy:   opts.Strategy,
		Owner:      opts.Owner,
		Items:      items,
		Warnings:   warnings,
		TotalCount: len(items),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	log := o.logger.With(zap.String("batch_id", h.BatchID))

	if reason, ok := o.checkBudget(ctx, opts.Owner, items); !ok {
		log.Warn("batch denied by budget guard", zap.String("agent_id", opts.Owner.AgentID), zap.String("reason", reason))
		o.metrics.RecordBatch("budget_denied", 0)
		return o.deniedResult(h, reason), &BudgetDeniedError{Reason: reason}
	}

	if !o.begin(h.BatchID) {
		return nil, ErrBatchProcessing
	}
	defer o.end(h.BatchID)
	// items run to a terminal state even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	o.track(log, "create_batch", o.store.CreateBatch(ctx, h))
	o.audit(ctx, "batch.submitted", map[string]any{
		"batch_id":     h.BatchID,
		"agent_id":     opts.Owner.AgentID,
		"item_count":   len(items),
		"total_amount": totalAmount(items).String(),
		"strategy":     string(opts.Strategy),
	})
	log.Info("batch accepted",
		zap.Int("items", len(items)),
		zap.String("strategy", string(opts.Strategy)),
		zap.Int("max_concurrency", opts.MaxConcurrency))

	indices := make([]int, len(items))
	for i := range items {
		indices[i] = i
	}
	r := &run{header: h, opts: opts, results: make([]TxResult, len(items)), indices: indices, started: now}
	o.execute(ctx, r, indices)
	return o.finalize(ctx, r), nil
}

// GetBatch returns the current view of a batch.
func (o *Orchestrator) GetBatch(ctx context.Context, batchID string) (*Result, error) {
	h, results, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	merged := mergeResults(h, results)
	if !o.isActive(batchID) && h.Status == StatusProcessing && allResolved(merged) {
		// the final header write was lost; derive the status from the items
		success, failure, _ := tally(h.Items, merged)
		h.Status = aggregateStatus(success, failure)
	}
	return buildResult(h, merged), nil
}

// RetryFailed re-runs failed items of a finished batch. With no indices every
// failed item is retried.
func (o *Orchestrator) RetryFailed(ctx context.Context, batchID string, indices []int, opts Options) (*Result, error) {
	opts, err := o.normalize(opts)
	if err != nil {
		return nil, err
	}
	h, stored, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	results := mergeResults(h, stored)
	if o.isActive(batchID) || (h.Status == StatusProcessing && !allResolved(results)) {
		return nil, ErrBatchProcessing
	}
	if h.Status == StatusProcessing {
		success, failure, _ := tally(h.Items, results)
		h.Status = aggregateStatus(success, failure)
	}

	if !CanTransition(h.Status, StatusProcessing) {
		return nil, &TransitionError{BatchID: batchID, From: h.Status, To: StatusProcessing}
	}
	targets, err := retryTargets(results, indices)
	if err != nil {
		return nil, err
	}

	if opts.Owner.AgentID == "" && opts.Owner.Sender == "" {
		ref := opts.Owner.PrivateKeyRef
		opts.Owner = h.Owner
		opts.Owner.PrivateKeyRef = ref
	}
	retryItems := make([]Item, 0, len(targets))
	for _, idx := range targets {
		retryItems = append(retryItems, h.Items[idx])
	}
	log := o.logger.With(zap.String("batch_id", batchID))
	if reason, ok := o.checkBudget(ctx, opts.Owner, retryItems); !ok {
		log.Warn("batch retry denied by budget guard", zap.String("reason", reason))
		o.metrics.RecordBatch("budget_denied", 0)
		return nil, &BudgetDeniedError{Reason: reason}
	}

	if !o.begin(batchID) {
		return nil, ErrBatchProcessing
	}
	defer o.end(batchID)
	ctx = context.WithoutCancel(ctx)

	if err := transition(h, StatusProcessing); err != nil {
		return nil, err
	}
	now := o.now()
	h.RetryRound++
	h.Strategy = opts.Strategy
	h.UpdatedAt = now
	h.CompletedAt = nil
	o.track(log, "update_batch", o.store.UpdateBatch(ctx, h))
	log.Info("retrying failed items", zap.Ints("indices", targets), zap.Int("round", h.RetryRound))

	r := &run{header: h, opts: opts, results: results, indices: targets, started: now}
	o.execute(ctx, r, targets)
	return o.finalize(ctx, r), nil
}

func retryTargets(results []TxResult, indices []int) ([]int, error) {
	if len(indices) == 0 {
		var targets []int
		for _, res := range results {
			if res.Status == TxFailed {
				targets = append(targets, res.Index)
			}
		}
		if len(targets) == 0 {
			return nil, &ValidationError{Message: "batch has no failed items to retry"}
		}
		return targets, nil
	}

	var issues []ItemIssue
	seen := make(map[int]bool, len(indices))
	targets := make([]int, 0, len(indices))
	for _, idx := range indices {
		switch {
		case idx < 0 || idx >= len(results):
			issues = append(issues, ItemIssue{Index: idx, Errors: []string{"index out of range"}})
		case results[idx].Status != TxFailed:
			issues = append(issues, ItemIssue{Index: idx, Address: results[idx].To, Errors: []string{fmt.Sprintf("item is %s, only failed items can be retried", results[idx].Status)}})
		case !seen[idx]:
			seen[idx] = true
			targets = append(targets, idx)
		}
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	sort.Ints(targets)
	return targets, nil
}

// checkBudget fails closed: an unreachable guard denies the batch.
func (o *Orchestrator) checkBudget(ctx context.Context, owner OwnerContext, items []Item) (string, bool) {
	if o.budget == nil || owner.AgentID == "" {
		return "", true
	}
	decision, err := o.budget.Check(ctx, budget.Request{
		AgentID:      owner.AgentID,
		OwnerAddress: owner.OwnerAddress,
		Amount:       totalAmount(items),
		Token:        items[0].Token,
		ChainID:      items[0].ChainID,
		Sender:       owner.Sender,
	})
	if err != nil {
		o.logger.Error("budget check failed", zap.String("agent_id", owner.AgentID), zap.Error(err))
		return fmt.Sprintf("budget check unavailable: %v", err), false
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "spending limit reached"
		}
		return reason, false
	}
	return "", true
}

func (o *Orchestrator) deniedResult(h *Header, reason string) *Result {
	h.Status = StatusFailed
	h.FailureCount = len(h.Items)
	completed := h.CreatedAt
	h.CompletedAt = &completed
	results := make([]TxResult, len(h.Items))
	for i, item := range h.Items {
		results[i] = pendingResult(i, item)
		results[i].Status = TxFailed
		results[i].Error = reason
	}
	res := buildResult(h, results)
	res.Reason = fmt.Sprintf("budget denied: %s; no transfers were attempted", reason)
	return res
}

type chainGroup struct {
	chainID int64
	indices []int
}

// partition groups indices by chain in order of first appearance.
func partition(items []Item, indices []int) []chainGroup {
	var groups []chainGroup
	pos := make(map[int64]int)
	for _, idx := range indices {
		id := items[idx].ChainID
		g, ok := pos[id]
		if !ok {
			g = len(groups)
			pos[id] = g
			groups = append(groups, chainGroup{chainID: id})
		}
		groups[g].indices = append(groups[g].indices, idx)
	}
	return groups
}

func (o *Orchestrator) execute(ctx context.Context, r *run, indices []int) {
	groups := partition(r.header.Items, indices)
	if r.opts.Strategy == StrategySequential {
		for _, g := range groups {
			for _, idx := range g.indices {
				o.processItem(ctx, r, idx)
			}
		}
		return
	}

	var chains errgroup.Group
	for _, g := range groups {
		chains.Go(func() error {
			o.runWindows(ctx, r, g)
			return nil
		})
	}
	_ = chains.Wait()
}

// runWindows executes one chain's items maxConcurrency at a time. A window
// must fully resolve before the next one starts.
func (o *Orchestrator) runWindows(ctx context.Context, r *run, g chainGroup) {
	size := r.opts.MaxConcurrency
	for start := 0; start < len(g.indices); start += size {
		end := start + size
		if end > len(g.indices) {
			end = len(g.indices)
		}
		var window errgroup.Group
		for _, idx := range g.indices[start:end] {
			window.Go(func() error {
				o.processItem(ctx, r, idx)
				return nil
			})
		}
		_ = window.Wait()
	}
}

func (o *Orchestrator) processItem(ctx context.Context, r *run, idx int) {
	h := r.header
	res := o.executeItem(ctx, h, idx, r.opts)
	r.results[idx] = res

	log := o.logger.With(zap.String("batch_id", h.BatchID), zap.Int("index", idx))
	o.track(log, "save_result", o.store.SaveResult(ctx, h.BatchID, res))
	o.metrics.RecordBatchItem(res.ChainID, string(res.Status), res.Retries)
	o.audit(ctx, "batch.item", map[string]any{
		"batch_id": h.BatchID,
		"index":    idx,
		"chain_id": res.ChainID,
		"to":       res.To,
		"amount":   res.Amount.String(),
		"token":    res.Token,
		"status":   string(res.Status),
		"tx_hash":  res.TxHash,
		"retries":  res.Retries,
	})
}

func idempotencyKey(h *Header, idx int) string {
	if h.RetryRound == 0 {
		return fmt.Sprintf("%s:%d", h.BatchID, idx)
	}
	return fmt.Sprintf("%s:%d:r%d", h.BatchID, idx, h.RetryRound)
}

func (o *Orchestrator) executeItem(ctx context.Context, h *Header, idx int, opts Options) (res TxResult) {
	item := h.Items[idx]
	res = pendingResult(idx, item)
	log := o.logger.With(
		zap.String("batch_id", h.BatchID),
		zap.Int("index", idx),
		zap.Int64("chain_id", item.ChainID))

	if o.ledger != nil && opts.Owner.Sender != "" {
		ref := ledger.Reference{Type: referenceType, ID: h.BatchID}
		lock := ledger.LockRequest{
			Owner:     opts.Owner.Sender,
			Amount:    item.Amount,
			Token:     item.Token,
			ChainID:   item.ChainID,
			Reference: ref,
		}
		err := ledger.RetryOnConflict(ctx, o.cfg.LedgerAttempts, func(ctx context.Context) error {
			_, err := o.ledger.LockBalance(ctx, lock)
			return err
		})
		if err != nil {
			log.Warn("could not reserve funds", zap.String("owner", opts.Owner.Sender), zap.Error(err))
			res.Status = TxFailed
			res.Error = fmt.Sprintf("reserve funds: %v", err)
			return res
		}
		defer func() {
			unlockRef := ref
			unlockRef.TxHash = res.TxHash
			unlock := ledger.UnlockRequest{
				Owner:     opts.Owner.Sender,
				Amount:    item.Amount,
				Token:     item.Token,
				ChainID:   item.ChainID,
				Success:   res.Status == TxConfirmed,
				Reference: unlockRef,
			}
			uctx := context.WithoutCancel(ctx)
			err := ledger.RetryOnConflict(uctx, o.cfg.LedgerAttempts, func(ctx context.Context) error {
				_, err := o.ledger.UnlockBalance(ctx, unlock)
				return err
			})
			if err != nil {
				log.Error("lock left outstanding", zap.String("owner", opts.Owner.Sender), zap.Bool("success", unlock.Success), zap.Error(err))
			}
		}()
	}

	attempts := 1
	if opts.RetryOnFailure {
		attempts += opts.MaxRetries
	}
	transfer := chain.Transfer{
		PrivateKeyRef:  opts.Owner.PrivateKeyRef,
		To:             item.To,
		Amount:         item.Amount,
		Token:          item.Token,
		ChainID:        item.ChainID,
		Memo:           item.Memo,
		IdempotencyKey: idempotencyKey(h, idx),
	}

	var lastErr string
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := o.sleeper.Sleep(ctx, Backoff(attempt-1, o.cfg.RetryBaseDelay)); err != nil {
				lastErr = fmt.Sprintf("%s (retry aborted: %v)", lastErr, err)
				break
			}
			res.Retries++
		}

		receipt, err := o.executor.Execute(ctx, transfer)
		switch {
		case err != nil:
			lastErr = err.Error()
		case receipt == nil:
			lastErr = "executor returned no receipt"
		case !receipt.Success:
			lastErr = receipt.Error
			if lastErr == "" {
				lastErr = "transaction failed"
			}
		default:
			res.Status = TxConfirmed
			res.TxHash = receipt.TxHash
			res.GasUsed = receipt.GasUsed
			res.Error = ""
			return res
		}
		log.Warn("transfer attempt failed", zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.String("error", lastErr))
	}

	res.Status = TxFailed
	res.Error = lastErr
	return res
}

func (o *Orchestrator) finalize(ctx context.Context, r *run) *Result {
	h := r.header
	log := o.logger.With(zap.String("batch_id", h.BatchID))
	success, failure, _ := tally(h.Items, r.results)
	roundSuccess, roundFailure, roundAmount := tally(h.Items, r.executed())

	if r.opts.Owner.AgentID != "" && o.budget != nil {
		if roundAmount.IsPositive() {
			if err := o.budget.RecordSuccess(ctx, r.opts.Owner.AgentID, roundAmount); err != nil {
				o.track(log, "budget_record_success", err)
			}
		}
		if roundFailure > 0 {
			if err := o.budget.RecordFailure(ctx, r.opts.Owner.AgentID); err != nil {
				o.track(log, "budget_record_failure", err)
			}
		}
	}

	final := aggregateStatus(success, failure)
	if err := transition(h, final); err != nil {
		log.Error("unexpected batch transition", zap.Error(err))
		h.Status = final
	}
	completed := o.now()
	h.SuccessCount = success
	h.FailureCount = failure
	h.UpdatedAt = completed
	h.CompletedAt = &completed
	o.track(log, "update_batch", o.store.UpdateBatch(ctx, h))

	o.metrics.RecordBatch(string(final), completed.Sub(r.started))
	o.audit(ctx, "batch.completed", map[string]any{
		"batch_id":       h.BatchID,
		"status":         string(final),
		"success_count":  success,
		"failure_count":  failure,
		"round":          h.RetryRound,
		"round_success":  roundSuccess,
		"round_failure":  roundFailure,
		"success_amount": roundAmount.String(),
	})
	log.Info("batch finished",
		zap.String("status", string(final)),
		zap.Int("success", success),
		zap.Int("failure", failure))
	return buildResult(h, r.results)
}

// track swallows bookkeeping errors after logging them.
func (o *Orchestrator) track(log *zap.Logger, op string, err error) {
	if err == nil {
		return
	}
	log.Warn("batch tracking failed", zap.String("operation", op), zap.Error(err))
	o.metrics.RecordTrackingFailure(op)
}

func (o *Orchestrator) audit(ctx context.Context, kind string, fields map[string]any) {
	if o.auditor == nil {
		return
	}
	if err := o.auditor.Append(ctx, kind, fields); err != nil {
		o.track(o.logger, "audit", err)
	}
}

func (o *Orchestrator) begin(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[batchID]; ok {
		return false
	}
	o.active[batchID] = struct{}{}
	return true
}

func (o *Orchestrator) end(batchID string) {
	o.mu.Lock()
	delete(o.active, batchID)
	o.mu.Unlock()
}

func (o *Orchestrator) isActive(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[batchID]
	return ok
}

func pendingResult(idx int, item Item) TxResult {
	return TxResult{
		Index:   idx,
		To:      item.To,
		Amount:  item.Amount,
		Token:   item.Token,
		ChainID: item.ChainID,
		Status:  TxPending,
	}
}

// mergeResults lays stored results over one pending slot per item.
func mergeResults(h *Header, stored []TxResult) []TxResult {
	out := make([]TxResult, len(h.Items))
	for i, item := range h.Items {
		out[i] = pendingResult(i, item)
	}
	for _, res := range stored {
		if res.Index >= 0 && res.Index < len(out) {
			out[res.Index] = res
		}
	}
	return out
}

func allResolved(results []TxResult) bool {
	for _, res := range results {
		if res.Status == TxPending {
			return false
		}
	}
	return true
}

func tally(items []Item, results []TxResult) (success, failure int, successAmount decimal.Decimal) {
	successAmount = decimal.Zero
	for _, res := range results {
		switch res.Status {
		case TxConfirmed:
			success++
			successAmount = successAmount.Add(items[res.Index].Amount)
		case TxFailed:
			failure++
		}
	}
	return success, failure, successAmount
}

func buildResult(h *Header, results []TxResult) *Result {
	txs := make([]TxResult, len(results))
	copy(txs, results)
	sort.Slice(txs, func(i, j int) bool { return txs[i].Index < txs[j].Index })

	success, failure, successAmount := tally(h.Items, txs)
	res := &Result{
		BatchID:       h.BatchID,
		AgentID:       h.Owner.AgentID,
		Status:        h.Status,
		Strategy:      h.Strategy,
		TotalCount:    len(h.Items),
		SuccessCount:  success,
		FailureCount:  failure,
		TotalAmount:   totalAmount(h.Items),
		SuccessAmount: successAmount,
		Transactions:  txs,
		Warnings:      h.Warnings,
		CreatedAt:     h.CreatedAt,
		CompletedAt:   h.CompletedAt,
	}
	res.Reason = describe(res)
	return res
}

func describe(r *Result) string {
	switch r.Status {
	case StatusCompleted:
		return fmt.Sprintf("all %d transfers confirmed", r.TotalCount)
	case StatusPartialFailure:
		return fmt.Sprintf("%d of %d transfers confirmed, %d failed; confirmed transfers are final", r.SuccessCount, r.TotalCount, r.FailureCount)
	case StatusFailed:
		return fmt.Sprintf("all %d transfers failed", r.TotalCount)
	default:
		pending := r.TotalCount - r.SuccessCount - r.FailureCount
		return fmt.Sprintf("%d of %d transfers still in flight or retrying", pending, r.TotalCount)
	}
}
