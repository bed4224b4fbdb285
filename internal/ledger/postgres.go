package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// PgxPool is the subset of *pgxpool.Pool the store needs.
type PgxPool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps balances and entries in PostgreSQL. Balance writes are
// conditional on the version read earlier in the same unit of work.
type PostgresStore struct {
	pool         PgxPool
	queryTimeout time.Duration
}

// NewPostgresStore wraps pool.
func NewPostgresStore(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool, queryTimeout: 5 * time.Second}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(queryCtx); err != nil {
		return mapPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapPgError turns serialization failures, deadlocks and unique violations
// into the retryable conflict error.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

const balanceColumns = `owner, token, chain_id, available::text, locked::text, total::text, version, created_at, updated_at`

func (t *pgTx) GetBalance(ctx context.Context, key AccountKey) (*Balance, bool, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+balanceColumns+` FROM ledger_balances
		WHERE owner = $1 AND token = $2 AND chain_id = $3`, key.Owner, key.Token, key.ChainID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	b, err := scanBalance(rows)
	if err != nil {
		return nil, false, err
	}
	return b, true, rows.Err()
}

func (t *pgTx) CreateBalance(ctx context.Context, b *Balance) error {
	tag, err := t.tx.Exec(ctx, `INSERT INTO ledger_balances
		(owner, token, chain_id, available, locked, total, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
		ON CONFLICT (owner, token, chain_id) DO NOTHING`,
		b.Owner, b.Token, b.ChainID, b.Available.String(), b.Locked.String(), b.Total.String(), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	b.Version = 0
	return nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, b *Balance, expectedVersion int64) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `UPDATE ledger_balances
		SET available = $1, locked = $2, total = $3, version = version + 1, updated_at = $4
		WHERE owner = $5 AND token = $6 AND chain_id = $7 AND version = $8`,
		b.Available.String(), b.Locked.String(), b.Total.String(), now,
		b.Owner, b.Token, b.ChainID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	b.Version = expectedVersion + 1
	b.UpdatedAt = now
	return nil
}

func (t *pgTx) InsertEntries(ctx context.Context, entries ...Entry) error {
	for _, e := range entries {
		_, err := t.tx.Exec(ctx, `INSERT INTO ledger_entries
			(id, idempotency_key, transaction_id, owner, token, chain_id, entry_type, category, bucket,
			 amount, balance_before, balance_after, counterparty, reference_type, reference_id, tx_hash,
			 description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			e.ID, e.IdempotencyKey, e.TransactionID, e.Account.Owner, e.Account.Token, e.Account.ChainID,
			string(e.EntryType), string(e.Category), string(e.Bucket),
			e.Amount.String(), e.BalanceBefore.String(), e.BalanceAfter.String(),
			e.Counterparty, e.ReferenceType, e.ReferenceID, e.TxHash, e.Description, e.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, bool, error) {
	rows, err := t.tx.Query(ctx, `SELECT key, status, transaction_id, sender_balance::text, receiver_balance::text, created_at
		FROM ledger_idempotency WHERE key = $1`, key)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var (
		rec              IdempotencyRecord
		status           string
		sender, receiver string
	)
	if err := rows.Scan(&rec.Key, &status, &rec.TransactionID, &sender, &receiver, &rec.CreatedAt); err != nil {
		return nil, false, err
	}
	rec.Status = IdempotencyStatus(status)
	if rec.SenderBalance, err = decimal.NewFromString(sender); err != nil {
		return nil, false, err
	}
	if rec.ReceiverBalance, err = decimal.NewFromString(receiver); err != nil {
		return nil, false, err
	}
	return &rec, true, rows.Err()
}

func (t *pgTx) PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	tag, err := t.tx.Exec(ctx, `INSERT INTO ledger_idempotency
		(key, status, transaction_id, sender_balance, receiver_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, string(rec.Status), rec.TransactionID, rec.SenderBalance.String(), rec.ReceiverBalance.String(), rec.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, owner string) ([]Balance, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(queryCtx, `SELECT `+balanceColumns+` FROM ledger_balances
		WHERE owner = $1 ORDER BY chain_id, token`, NewAccountKey(owner, "", 0).Owner)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error) {
	filter = filter.normalized()
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args := filter.sqlWhere(func(n int) string { return fmt.Sprintf("$%d", n) })

	var total int
	rows, err := s.pool.Query(queryCtx, `SELECT COUNT(*) FROM ledger_entries`+where, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}
	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("count entries: %w", err)
		}
	}
	rows.Close()

	query := `SELECT id::text, idempotency_key, transaction_id::text, owner, token, chain_id, entry_type, category, bucket,
		amount::text, balance_before::text, balance_after::text, counterparty, reference_type, reference_id,
		tx_hash, description, created_at
		FROM ledger_entries` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err = s.pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

// sqlWhere renders the filter as a WHERE clause using placeholder(n) for the
// n-th argument.
func (f EntryFilter) sqlWhere(placeholder func(n int) string) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		where += fmt.Sprintf(" AND %s = %s", column, placeholder(len(args)))
	}
	if f.Owner != "" {
		add("owner", f.Owner)
	}
	if f.Token != "" {
		add("token", f.Token)
	}
	if f.ChainID != 0 {
		add("chain_id", f.ChainID)
	}
	if f.Category != "" {
		add("category", string(f.Category))
	}
	if f.ReferenceType != "" {
		add("reference_type", f.ReferenceType)
	}
	if f.ReferenceID != "" {
		add("reference_id", f.ReferenceID)
	}
	if f.TransactionID != "" {
		add("transaction_id", f.TransactionID)
	}
	return where, args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (*Balance, error) {
	var (
		b                        Balance
		available, locked, total string
	)
	if err := row.Scan(&b.Owner, &b.Token, &b.ChainID, &available, &locked, &total, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if b.Available, err = decimal.NewFromString(available); err != nil {
		return nil, err
	}
	if b.Locked, err = decimal.NewFromString(locked); err != nil {
		return nil, err
	}
	if b.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                           Entry
		entryType, category, bucket string
		amount, before, after       string
	)
	if err := row.Scan(&e.ID, &e.IdempotencyKey, &e.TransactionID, &e.Account.Owner, &e.Account.Token, &e.Account.ChainID,
		&entryType, &category, &bucket, &amount, &before, &after,
		&e.Counterparty, &e.ReferenceType, &e.ReferenceID, &e.TxHash, &e.Description, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.EntryType = EntryType(entryType)
	e.Category = Category(category)
	e.Bucket = Bucket(bucket)
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return nil, err
	}
	if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return nil, err
	}
	return &e, nil
}
