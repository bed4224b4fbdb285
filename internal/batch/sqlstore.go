package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Dialect selects placeholder style and column types.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore persists batches through database/sql. Postgres is reached via
// the pgx stdlib driver, SQLite via go-sqlite3.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const batchSchema = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id      TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	owner         TEXT NOT NULL,
	items         TEXT NOT NULL,
	warnings      TEXT NOT NULL DEFAULT '[]',
	retry_round   INTEGER NOT NULL DEFAULT 0,
	total_count   INTEGER NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at    %[1]s NOT NULL,
	updated_at    %[1]s NOT NULL,
	completed_at  %[1]s
);

CREATE TABLE IF NOT EXISTS batch_results (
	batch_id   TEXT NOT NULL REFERENCES batches(batch_id),
	idx        INTEGER NOT NULL,
	to_address TEXT NOT NULL,
	amount     TEXT NOT NULL,
	token      TEXT NOT NULL,
	chain_id   BIGINT NOT NULL,
	tx_hash    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	gas_used   BIGINT NOT NULL DEFAULT 0,
	retries    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (batch_id, idx)
);
`

// Migrate creates the batch tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	tsType := "TIMESTAMPTZ"
	if s.dialect == DialectSQLite {
		tsType = "TIMESTAMP"
	}
	for _, stmt := range strings.Split(fmt.Sprintf(batchSchema, tsType), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate batches: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) CreateBatch(ctx context.Context, h *Header) error {
	owner, items, warnings, err := encodeHeader(h)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO batches (batch_id, status, strategy, owner, items, warnings, retry_round,
			total_count, success_count, failure_count, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		h.BatchID, string(h.Status), string(h.Strategy), owner, items, warnings, h.RetryRound,
		h.TotalCount, h.SuccessCount, h.FailureCount, h.CreatedAt, h.UpdatedAt, nullTime(h.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateBatch(ctx context.Context, h *Header) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE batches
		SET status = ?, strategy = ?, retry_round = ?, success_count = ?, failure_count = ?,
			updated_at = ?, completed_at = ?
		WHERE batch_id = ?`),
		string(h.Status), string(h.Strategy), h.RetryRound, h.SuccessCount, h.FailureCount,
		h.UpdatedAt, nullTime(h.CompletedAt), h.BatchID)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (s *SQLStore) SaveResult(ctx context.Context, batchID string, r TxResult) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO batch_results (batch_id, idx, to_address, amount, token, chain_id,
			tx_hash, status, error, gas_used, retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, idx) DO UPDATE SET
			tx_hash = excluded.tx_hash,
			status = excluded.status,
			error = excluded.error,
			gas_used = excluded.gas_used,
			retries = excluded.retries`),
		batchID, r.Index, r.To, r.Amount.String(), r.Token, r.ChainID,
		r.TxHash, string(r.Status), r.Error, int64(r.GasUsed), r.Retries)
	if err != nil {
		return fmt.Errorf("save batch result: %w", err)
	}
	return nil
}

func (s *SQLStore) GetBatch(ctx context.Context, batchID string) (*Header, []TxResult, error) {
	var (
		h                      Header
		status, strategy       string
		owner, items, warnings string
		completedAt            sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT batch_id, status, strategy, owner, items, warnings, retry_round,
			total_count, success_count, failure_count, created_at, updated_at, completed_at
		FROM batches WHERE batch_id = ?`), batchID).Scan(
		&h.BatchID, &status, &strategy, &owner, &items, &warnings, &h.RetryRound,
		&h.TotalCount, &h.SuccessCount, &h.FailureCount, &h.CreatedAt, &h.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get batch: %w", err)
	}
	h.Status = Status(status)
	h.Strategy = Strategy(strategy)
	if completedAt.Valid {
		t := completedAt.Time
		h.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(owner), &h.Owner); err != nil {
		return nil, nil, fmt.Errorf("decode batch owner: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &h.Items); err != nil {
		return nil, nil, fmt.Errorf("decode batch items: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &h.Warnings); err != nil {
		return nil, nil, fmt.Errorf("decode batch warnings: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT idx, to_address, amount, token, chain_id, tx_hash, status, error, gas_used, retries
		FROM batch_results WHERE batch_id = ? ORDER BY idx`), batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("list batch results: %w", err)
	}
	defer rows.Close()

	var results []TxResult
	for rows.Next() {
		var (
			r              TxResult
			amount, status string
			gasUsed        int64
		)
		if err := rows.Scan(&r.Index, &r.To, &amount, &r.Token, &r.ChainID, &r.TxHash, &status, &r.Error, &gasUsed, &r.Retries); err != nil {
			return nil, nil, fmt.Errorf("scan batch result: %w", err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, nil, fmt.Errorf("parse result amount: %w", err)
		}
		r.Status = TxStatus(status)
		r.GasUsed = uint64(gasUsed)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list batch results: %w", err)
	}
	return &h, results, nil
}

func encodeHeader(h *Header) (owner, items, warnings string, err error) {
	o, err := json.Marshal(h.Owner)
	if err != nil {
		return "", "", "", fmt.Errorf("encode batch owner: %w", err)
	}
	i, err := json.Marshal(h.Items)
	if err != nil {
		return "", "", "", fmt.Errorf("encode batch items: %w", err)
	}
	w := []string{}
	if h.Warnings != nil {
		w = h.Warnings
	}
	ws, err := json.Marshal(w)
	if err != nil {
		return "", "", "", fmt.Errorf("encode batch warnings: %w", err)
	}
	return string(o), string(i), string(ws), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
