package ledger

import "context"

// Store is the persistent substrate for balances, entries and idempotency records.
type Store interface {
	// WithinTx runs fn in one all-or-nothing unit of work. Any error from fn
	// discards every write made through tx.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	ListBalances(ctx context.Context, owner string) ([]Balance, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error)
}

// Tx is the write side of a unit of work.
type Tx interface {
	// GetBalance returns the balance and whether it exists.
	GetBalance(ctx context.Context, key AccountKey) (*Balance, bool, error)
	// CreateBalance inserts a new zero-version row. A row that already exists
	// yields ErrConcurrentModification.
	CreateBalance(ctx context.Context, b *Balance) error
	// UpdateBalance writes b only if the stored version equals expectedVersion,
	// and bumps the version. A mismatch yields ErrConcurrentModification.
	UpdateBalance(ctx context.Context, b *Balance, expectedVersion int64) error
	InsertEntries(ctx context.Context, entries ...Entry) error
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, bool, error)
	// PutIdempotency inserts rec. An existing key yields ErrConcurrentModification.
	PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error
}
