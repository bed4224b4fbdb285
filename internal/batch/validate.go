package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/batchpay/internal/chain"
)

const (
	MaxBatchSize  = 100
	MaxMemoLength = 256
)

// MaxAmount caps a single item.
var MaxAmount = decimal.NewFromInt(1_000_000_000)

// Validate checks every item and returns duplicate-destination warnings.
// All issues are collected before failing so callers can fix a batch in one pass.
func Validate(registry *chain.Registry, items []Item) ([]string, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Message: "batch must contain at least one item"}
	}
	if len(items) > MaxBatchSize {
		return nil, &ValidationError{Message: fmt.Sprintf("batch size %d exceeds maximum of %d", len(items), MaxBatchSize)}
	}

	var (
		issues   []ItemIssue
		warnings []string
		seen     = make(map[string]int, len(items))
	)
	for i, item := range items {
		var errs []string
		if _, err := registry.Get(item.ChainID); err != nil {
			errs = append(errs, err.Error())
		} else {
			if item.To == "" {
				errs = append(errs, "recipient address is required")
			} else if err := registry.ValidateAddress(item.ChainID, item.To); err != nil {
				errs = append(errs, err.Error())
			}
			if err := registry.ValidateToken(item.ChainID, item.Token); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if !item.Amount.IsPositive() {
			errs = append(errs, "amount must be greater than zero")
		} else if item.Amount.GreaterThan(MaxAmount) {
			errs = append(errs, fmt.Sprintf("amount exceeds maximum of %s", MaxAmount))
		}
		if len(item.Memo) > MaxMemoLength {
			errs = append(errs, fmt.Sprintf("memo exceeds %d bytes", MaxMemoLength))
		}
		if len(errs) > 0 {
			issues = append(issues, ItemIssue{Index: i, Address: item.To, Errors: errs})
			continue
		}

		dest := fmt.Sprintf("%d:%s", item.ChainID, strings.ToLower(item.To))
		if first, ok := seen[dest]; ok {
			warnings = append(warnings, fmt.Sprintf("item %d sends to the same address as item %d (%s)", i, first, item.To))
		} else {
			seen[dest] = i
		}
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return warnings, nil
}

// CalculateTotals sums amounts per token.
func CalculateTotals(items []Item) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, item := range items {
		token := strings.ToUpper(item.Token)
		totals[token] = totals[token].Add(item.Amount)
	}
	return totals
}

func totalAmount(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Amount)
	}
	return sum
}

// IsValidationError reports whether err rejected the batch before execution.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
