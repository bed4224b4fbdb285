package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Validator reconciles stored balances against the entry log.
type Validator struct {
	store Store
	now   func() time.Time
}

// NewValidator creates a new validator instance
func NewValidator(store Store) *Validator {
	return &Validator{store: store, now: time.Now}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	ValidationType string         `json:"validation_type"`
	Message        string         `json:"message"`
	Account        *AccountKey    `json:"account,omitempty"`
	TransactionID  string         `json:"transaction_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

// CheckBalance runs every balance-level check for one account.
func (v *Validator) CheckBalance(ctx context.Context, key AccountKey) ([]*ValidationResult, error) {
	key = NewAccountKey(key.Owner, key.Token, key.ChainID)

	balances, err := v.store.ListBalances(ctx, key.Owner)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	var stored *Balance
	for i := range balances {
		if balances[i].AccountKey == key {
			stored = &balances[i]
			break
		}
	}
	if stored == nil {
		stored = newBalance(key, v.now())
	}

	entries, err := v.allEntries(ctx, EntryFilter{Owner: key.Owner, Token: key.Token, ChainID: key.ChainID})
	if err != nil {
		return nil, err
	}

	return []*ValidationResult{
		v.balanceEquation(stored),
		v.nonNegative(stored),
		v.replay(stored, entries),
	}, nil
}

func (v *Validator) balanceEquation(b *Balance) *ValidationResult {
	key := b.AccountKey
	sum := b.Available.Add(b.Locked)
	if !sum.Equal(b.Total) {
		return &ValidationResult{
			ValidationType: "balance_equation",
			Message:        fmt.Sprintf("total %s != available %s + locked %s", b.Total, b.Available, b.Locked),
			Account:        &key,
			Timestamp:      v.now(),
			Details:        map[string]any{"difference": b.Total.Sub(sum).String()},
		}
	}
	return &ValidationResult{
		IsValid:        true,
		ValidationType: "balance_equation",
		Message:        "total equals available plus locked",
		Account:        &key,
		Timestamp:      v.now(),
	}
}

func (v *Validator) nonNegative(b *Balance) *ValidationResult {
	key := b.AccountKey
	if b.Available.IsNegative() || b.Locked.IsNegative() {
		return &ValidationResult{
			ValidationType: "non_negative",
			Message:        fmt.Sprintf("negative bucket: available %s, locked %s", b.Available, b.Locked),
			Account:        &key,
			Timestamp:      v.now(),
		}
	}
	return &ValidationResult{
		IsValid:        true,
		ValidationType: "non_negative",
		Message:        "no negative buckets",
		Account:        &key,
		Timestamp:      v.now(),
	}
}

// replay rebuilds available and locked from the account's entries.
func (v *Validator) replay(b *Balance, entries []Entry) *ValidationResult {
	key := b.AccountKey
	available, locked := decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch {
		case e.Category == CategoryLock:
			available = available.Sub(e.Amount)
			locked = locked.Add(e.Amount)
		case e.Category == CategoryUnlock && e.Bucket == BucketLocked:
			locked = locked.Sub(e.Amount)
		case e.Category == CategoryUnlock:
			locked = locked.Sub(e.Amount)
			available = available.Add(e.Amount)
		default:
			available = available.Add(e.SignedAmount())
		}
	}

	details := map[string]any{
		"entries":            len(entries),
		"replayed_available": available.String(),
		"replayed_locked":    locked.String(),
		"stored_available":   b.Available.String(),
		"stored_locked":      b.Locked.String(),
	}
	if !available.Equal(b.Available) || !locked.Equal(b.Locked) {
		return &ValidationResult{
			ValidationType: "entry_replay",
			Message:        "stored balance drifted from entry log",
			Account:        &key,
			Timestamp:      v.now(),
			Details:        details,
		}
	}
	return &ValidationResult{
		IsValid:        true,
		ValidationType: "entry_replay",
		Message:        "stored balance matches entry log",
		Account:        &key,
		Timestamp:      v.now(),
		Details:        details,
	}
}

// CheckTransaction verifies the entries sharing txID: each snapshot moves by
// its signed amount, and a two-sided transaction nets to zero.
func (v *Validator) CheckTransaction(ctx context.Context, txID string) (*ValidationResult, error) {
	entries, err := v.allEntries(ctx, EntryFilter{TransactionID: txID})
	if err != nil {
		return nil, err
	}
	result := &ValidationResult{
		ValidationType: "double_entry",
		TransactionID:  txID,
		Timestamp:      v.now(),
		Details:        map[string]any{"entries": len(entries)},
	}

	switch len(entries) {
	case 0:
		result.Message = "transaction has no entries"
		return result, nil
	case 1:
		switch entries[0].Category {
		case CategoryLock, CategoryUnlock, CategoryDeposit:
		default:
			result.Message = fmt.Sprintf("single-sided %s entry", entries[0].Category)
			return result, nil
		}
	case 2:
	default:
		result.Message = fmt.Sprintf("transaction has %d entries", len(entries))
		return result, nil
	}

	net := decimal.Zero
	for _, e := range entries {
		if !e.BalanceAfter.Sub(e.BalanceBefore).Equal(e.SignedAmount()) {
			result.Message = fmt.Sprintf("entry %s snapshot moves by %s, signed amount %s",
				e.ID, e.BalanceAfter.Sub(e.BalanceBefore), e.SignedAmount())
			return result, nil
		}
		net = net.Add(e.SignedAmount())
	}
	if len(entries) == 2 && !net.IsZero() {
		result.Message = fmt.Sprintf("debits and credits differ by %s", net)
		result.Details["net"] = net.String()
		return result, nil
	}

	result.IsValid = true
	result.Message = "entries balance"
	return result, nil
}

func (v *Validator) allEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	filter.Limit = maxEntryLimit
	var out []Entry
	for {
		page, total, err := v.store.ListEntries(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		out = append(out, page...)
		filter.Offset += len(page)
		if len(page) == 0 || filter.Offset >= total {
			return out, nil
		}
	}
}
