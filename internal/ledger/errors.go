package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidTransfer        = errors.New("invalid transfer")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrLockExceeded           = errors.New("unlock exceeds locked balance")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrIdempotencyConflict    = errors.New("idempotency key in progress")
)

// BalanceError reports a balance check failure with the amounts involved.
type BalanceError struct {
	Err       error
	Account   AccountKey
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%v: %s %s on chain %d: have %s, need %s",
		e.Err, e.Account.Owner, e.Account.Token, e.Account.ChainID, e.Available, e.Requested)
}

func (e *BalanceError) Unwrap() error { return e.Err }

// IsRetryable reports whether the operation lost an optimistic race and
// should be re-run from its read step.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
