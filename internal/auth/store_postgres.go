package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the part of pgxpool.Pool the client store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresClientStore struct {
	Pool Querier
}

const clientsSchema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id   TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	scopes      TEXT[] NOT NULL DEFAULT '{}',
	accounts    TEXT[] NOT NULL DEFAULT '{}',
	disabled    BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE oauth_clients ADD COLUMN IF NOT EXISTS accounts TEXT[] NOT NULL DEFAULT '{}';
ALTER TABLE oauth_clients ADD COLUMN IF NOT EXISTS disabled BOOLEAN NOT NULL DEFAULT false`

// Migrate creates the oauth_clients table.
func (s *PostgresClientStore) Migrate(ctx context.Context) error {
	if s.Pool == nil {
		return errors.New("missing pool")
	}
	_, err := s.Pool.Exec(ctx, clientsSchema)
	return err
}

func (s *PostgresClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	if s.Pool == nil {
		return nil, errors.New("missing pool")
	}

	var c Client
	err := s.Pool.QueryRow(ctx,
		`SELECT client_id, secret_hash, scopes, accounts, disabled FROM oauth_clients WHERE client_id = $1`,
		clientID,
	).Scan(&c.ID, &c.SecretHash, &c.Scopes, &c.Accounts, &c.Disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return &c, nil
}
