package batch

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy selects how items are driven to the chain.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyConcurrent Strategy = "concurrent"
)

// Status is the batch lifecycle state.
type Status string

const (
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

// TxStatus is the outcome of one item.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Item is one outbound transfer intent.
type Item struct {
	To      string          `json:"to"`
	Amount  decimal.Decimal `json:"amount"`
	Token   string          `json:"token"`
	ChainID int64           `json:"chain_id"`
	Memo    string          `json:"memo,omitempty"`
}

// OwnerContext identifies who is paying and under which budget.
// A non-empty AgentID marks the caller as budget-constrained. A non-empty
// Sender makes every item reserve funds from that ledger account.
type OwnerContext struct {
	AgentID       string `json:"agent_id,omitempty"`
	OwnerAddress  string `json:"owner_address,omitempty"`
	Sender        string `json:"sender,omitempty"`
	PrivateKeyRef string `json:"-"`
}

// Options tune one submission.
type Options struct {
	Strategy       Strategy
	MaxConcurrency int
	RetryOnFailure bool
	MaxRetries     int
	Owner          OwnerContext
}

// TxResult is the terminal record of one item.
type TxResult struct {
	Index   int             `json:"index"`
	To      string          `json:"to"`
	Amount  decimal.Decimal `json:"amount"`
	Token   string          `json:"token"`
	ChainID int64           `json:"chain_id"`
	TxHash  string          `json:"tx_hash,omitempty"`
	Status  TxStatus        `json:"status"`
	Error   string          `json:"error,omitempty"`
	GasUsed uint64          `json:"gas_used,omitempty"`
	Retries int             `json:"retries"`
}

// Result is what callers see for a batch.
type Result struct {
	BatchID       string          `json:"batch_id"`
	AgentID       string          `json:"agent_id,omitempty"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason"`
	Strategy      Strategy        `json:"strategy"`
	TotalCount    int             `json:"total_count"`
	SuccessCount  int             `json:"success_count"`
	FailureCount  int             `json:"failure_count"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	SuccessAmount decimal.Decimal `json:"success_amount"`
	Transactions  []TxResult      `json:"transactions"`
	Warnings      []string        `json:"warnings,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Header is the persisted batch record.
type Header struct {
	BatchID      string       `json:"batch_id"`
	Status       Status       `json:"status"`
	Strategy     Strategy     `json:"strategy"`
	Owner        OwnerContext `json:"owner"`
	Items        []Item       `json:"items"`
	Warnings     []string     `json:"warnings,omitempty"`
	RetryRound   int          `json:"retry_round"`
	TotalCount   int          `json:"total_count"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// ChainGasEstimate is the estimate for one chain group.
type ChainGasEstimate struct {
	ChainID        int64           `json:"chain_id"`
	ChainName      string          `json:"chain_name"`
	ItemCount      int             `json:"item_count"`
	PerItemCostUSD decimal.Decimal `json:"per_item_cost_usd"`
	TotalCostUSD   decimal.Decimal `json:"total_cost_usd"`
	Error          string          `json:"error,omitempty"`
}

// GasEstimate sums per-chain estimates.
type GasEstimate struct {
	TotalGasCostUSD decimal.Decimal    `json:"total_gas_cost_usd"`
	PerChain        []ChainGasEstimate `json:"per_chain"`
}
