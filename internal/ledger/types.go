package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EntryType is the side of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Category classifies the financial event behind an entry.
type Category string

const (
	CategoryPayment    Category = "payment"
	CategoryFee        Category = "fee"
	CategoryRefund     Category = "refund"
	CategorySettlement Category = "settlement"
	CategoryDeposit    Category = "deposit"
	CategoryWithdrawal Category = "withdrawal"
	CategoryLock       Category = "lock"
	CategoryUnlock     Category = "unlock"
)

var transferCategories = map[Category]bool{
	CategoryPayment:    true,
	CategoryFee:        true,
	CategoryRefund:     true,
	CategorySettlement: true,
	CategoryWithdrawal: true,
}

// Bucket names the balance column an entry's before/after snapshot refers to.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketLocked    Bucket = "locked"
)

// IdempotencyStatus is the lifecycle of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// AccountKey identifies a balance row.
type AccountKey struct {
	Owner   string `json:"owner"`
	Token   string `json:"token"`
	ChainID int64  `json:"chain_id"`
}

// NewAccountKey normalizes owner and token casing.
func NewAccountKey(owner, token string, chainID int64) AccountKey {
	return AccountKey{
		Owner:   strings.ToLower(strings.TrimSpace(owner)),
		Token:   strings.ToUpper(strings.TrimSpace(token)),
		ChainID: chainID,
	}
}

// Balance is the persisted state of one account.
type Balance struct {
	AccountKey
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newBalance(key AccountKey, now time.Time) *Balance {
	return &Balance{
		AccountKey: key,
		Available:  decimal.Zero,
		Locked:     decimal.Zero,
		Total:      decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Consistent reports whether the balance satisfies total == available + locked
// with both buckets non-negative.
func (b *Balance) Consistent() bool {
	return b.Available.Add(b.Locked).Equal(b.Total) &&
		!b.Available.IsNegative() && !b.Locked.IsNegative()
}

// BalanceInfo is the read model returned to callers.
type BalanceInfo struct {
	Owner     string          `json:"owner"`
	Token     string          `json:"token"`
	ChainID   int64           `json:"chain_id"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (b *Balance) info() BalanceInfo {
	return BalanceInfo{
		Owner:     b.Owner,
		Token:     b.Token,
		ChainID:   b.ChainID,
		Available: b.Available,
		Locked:    b.Locked,
		Total:     b.Total,
		Version:   b.Version,
		UpdatedAt: b.UpdatedAt,
	}
}

// Entry is one immutable side of a balance-affecting event.
type Entry struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TransactionID  string          `json:"transaction_id"`
	Account        AccountKey      `json:"account"`
	EntryType      EntryType       `json:"entry_type"`
	Category       Category        `json:"category"`
	Bucket         Bucket          `json:"bucket"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Counterparty   string          `json:"counterparty,omitempty"`
	ReferenceType  string          `json:"reference_type,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	TxHash         string          `json:"tx_hash,omitempty"`
	Description    string          `json:"description,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SignedAmount is +amount for credits and -amount for debits.
func (e Entry) SignedAmount() decimal.Decimal {
	if e.EntryType == EntryDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// IdempotencyRecord remembers the outcome of a keyed operation.
type IdempotencyRecord struct {
	Key             string            `json:"key"`
	Status          IdempotencyStatus `json:"status"`
	TransactionID   string            `json:"transaction_id"`
	SenderBalance   decimal.Decimal   `json:"sender_balance"`
	ReceiverBalance decimal.Decimal   `json:"receiver_balance"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Reference links entries to the object that caused them.
type Reference struct {
	Type   string `json:"reference_type,omitempty"`
	ID     string `json:"reference_id,omitempty"`
	TxHash string `json:"tx_hash,omitempty"`
}

// EntryFilter selects ledger entries. Zero values match everything.
type EntryFilter struct {
	Owner         string   `json:"owner,omitempty"`
	Token         string   `json:"token,omitempty"`
	ChainID       int64    `json:"chain_id,omitempty"`
	Category      Category `json:"category,omitempty"`
	ReferenceType string   `json:"reference_type,omitempty"`
	ReferenceID   string   `json:"reference_id,omitempty"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Offset        int      `json:"offset,omitempty"`
}

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 500
)

func (f EntryFilter) normalized() EntryFilter {
	f.Owner = strings.ToLower(strings.TrimSpace(f.Owner))
	f.Token = strings.ToUpper(strings.TrimSpace(f.Token))
	if f.Limit <= 0 {
		f.Limit = defaultEntryLimit
	}
	if f.Limit > maxEntryLimit {
		f.Limit = maxEntryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// EntryPage is one page of entries plus the unpaginated match count.
type EntryPage struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}
