package batch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidBatch    = errors.New("invalid batch")
	ErrBudgetDenied    = errors.New("budget denied")
	ErrBatchNotFound   = errors.New("batch not found")
	ErrBatchProcessing = errors.New("batch is still processing")
)

// ItemIssue lists everything wrong with one item.
type ItemIssue struct {
	Index   int      `json:"index"`
	Address string   `json:"address,omitempty"`
	Errors  []string `json:"errors"`
}

// ValidationError rejects a whole batch before anything runs.
type ValidationError struct {
	Message string      `json:"message,omitempty"`
	Issues  []ItemIssue `json:"issues,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%v: %s", ErrInvalidBatch, e.Message)
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, fmt.Sprintf("item %d: %s", is.Index, strings.Join(is.Errors, ", ")))
	}
	return fmt.Sprintf("%v: %d item(s) failed validation: %s", ErrInvalidBatch, len(e.Issues), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidBatch }

// BudgetDeniedError carries the guard's reason.
type BudgetDeniedError struct {
	Reason string
}

func (e *BudgetDeniedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrBudgetDenied, e.Reason)
}

func (e *BudgetDeniedError) Unwrap() error { return ErrBudgetDenied }

// TransitionError is an illegal lifecycle move.
type TransitionError struct {
	BatchID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for batch %s", e.From, e.To, e.BatchID)
}
