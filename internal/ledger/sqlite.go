package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore keeps the ledger in an embedded SQLite database. Amounts are
// stored as decimal strings. Callers should cap the pool at one connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db, which must use the sqlite3 driver.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return mapSQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func mapSQLiteError(err error) error {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch {
		case sqErr.Code == sqlite3.ErrBusy, sqErr.Code == sqlite3.ErrLocked,
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
			sqErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %s", ErrConcurrentModification, sqErr.Error())
		}
	}
	return err
}

type sqliteTx struct {
	tx *sql.Tx
}

const sqliteBalanceColumns = `owner, token, chain_id, available, locked, total, version, created_at, updated_at`

func (t *sqliteTx) GetBalance(ctx context.Context, key AccountKey) (*Balance, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+sqliteBalanceColumns+` FROM ledger_balances
		WHERE owner = ? AND token = ? AND chain_id = ?`, key.Owner, key.Token, key.ChainID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (t *sqliteTx) CreateBalance(ctx context.Context, b *Balance) error {
	res, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO ledger_balances
		(owner, token, chain_id, available, locked, total, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		b.Owner, b.Token, b.ChainID, b.Available.String(), b.Locked.String(), b.Total.String(), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return ErrConcurrentModification
	}
	b.Version = 0
	return nil
}

func (t *sqliteTx) UpdateBalance(ctx context.Context, b *Balance, expectedVersion int64) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `UPDATE ledger_balances
		SET available = ?, locked = ?, total = ?, version = version + 1, updated_at = ?
		WHERE owner = ? AND token = ? AND chain_id = ? AND version = ?`,
		b.Available.String(), b.Locked.String(), b.Total.String(), now,
		b.Owner, b.Token, b.ChainID, expectedVersion)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return ErrConcurrentModification
	}
	b.Version = expectedVersion + 1
	b.UpdatedAt = now
	return nil
}

func (t *sqliteTx) InsertEntries(ctx context.Context, entries ...Entry) error {
	for _, e := range entries {
		_, err := t.tx.ExecContext(ctx, `INSERT INTO ledger_entries
			(id, idempotency_key, transaction_id, owner, token, chain_id, entry_type, category, bucket,
			 amount, balance_before, balance_after, counterparty, reference_type, reference_id, tx_hash,
			 description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (t *sqliteTx) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, bool, error) {
	var (
		rec              IdempotencyRecord
		status           string
		sender, receiver string
	)
	err := t.tx.QueryRowContext(ctx, `SELECT key, status, transaction_id, sender_balance, receiver_balance, created_at
		FROM ledger_idempotency WHERE key = ?`, key).
		Scan(&rec.Key, &status, &rec.TransactionID, &sender, &receiver, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec.Status = IdempotencyStatus(status)
	if rec.SenderBalance, err = decimal.NewFromString(sender); err != nil {
		return nil, false, err
	}
	if rec.ReceiverBalance, err = decimal.NewFromString(receiver); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (t *sqliteTx) PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	res, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO ledger_idempotency
		(key, status, transaction_id, sender_balance, receiver_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, string(rec.Status), rec.TransactionID, rec.SenderBalance.String(), rec.ReceiverBalance.String(), rec.CreatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (s *SQLiteStore) ListBalances(ctx context.Context, owner string) ([]Balance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteBalanceColumns+` FROM ledger_balances
		WHERE owner = ? ORDER BY chain_id, token`, NewAccountKey(owner, "", 0).Owner)
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

func (s *SQLiteStore) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error) {
	filter = filter.normalized()
	where, args := filter.sqlWhere(func(int) string { return "?" })

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, idempotency_key, transaction_id, owner, token, chain_id,
		entry_type, category, bucket, amount, balance_before, balance_after, counterparty, reference_type,
		reference_id, tx_hash, description, created_at
		FROM ledger_entries`+where+` ORDER BY seq DESC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...)
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
