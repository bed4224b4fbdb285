package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/batchpay/internal/api"
	"github.com/example/batchpay/internal/batch"
	"github.com/example/batchpay/internal/chain"
	"github.com/example/batchpay/internal/config"
	"github.com/example/batchpay/internal/ledger"
	"github.com/example/batchpay/internal/ledgerrpc"
	"github.com/example/batchpay/internal/metrics"
	"github.com/example/batchpay/internal/security"
)

// stores holds the persistence selected by STORE_DRIVER.
type stores struct {
	pool    *pgxpool.Pool
	db      *sql.DB
	ledger  ledger.Store
	batches batch.Store
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		s.pool = pool
		if err := pool.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.db = db

		ls := ledger.NewPostgresStore(pool)
		if err := ls.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		s.ledger = ls
		s.batches, err = migratedBatchStore(ctx, db, batch.DialectPostgres)
		if err != nil {
			s.Close()
			return nil, err
		}

	case config.DriverSQLite:
		db, err := sql.Open("sqlite3", cfg.SQLitePath+"?_busy_timeout=5000&_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// one writer at a time
		db.SetMaxOpenConns(1)
		s.db = db

		ls := ledger.NewSQLiteStore(db)
		if err := ls.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		s.ledger = ls
		s.batches, err = migratedBatchStore(ctx, db, batch.DialectSQLite)
		if err != nil {
			s.Close()
			return nil, err
		}

	default:
		logger.Warn("using in-memory stores; balances and batches are lost on restart")
		s.ledger = ledger.NewMemoryStore()
		s.batches = batch.NewMemoryStore()
	}
	return s, nil
}

func migratedBatchStore(ctx context.Context, db *sql.DB, dialect batch.Dialect) (*batch.SQLStore, error) {
	store := batch.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate batches: %w", err)
	}
	return store, nil
}

// openLedger returns the in-process ledger, or a gRPC client when
// LEDGER_ADDR names a remote ledger service.
func openLedger(ctx context.Context, cfg *config.Config, s *stores, logger *zap.Logger, m *metrics.Collectors) (api.LedgerService, func(), error) {
	if cfg.LedgerAddr == "" {
		return ledger.NewService(s.ledger, logger, m), func() {}, nil
	}
	conn, err := dial(ctx, cfg, cfg.LedgerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ledger: %w", err)
	}
	return ledgerrpc.NewClient(conn), func() { conn.Close() }, nil
}

func openExecutor(cfg *config.Config, logger *zap.Logger) (batch.Executor, func(), error) {
	if cfg.ExecutorAddr == "" {
		if cfg.Production() {
			return nil, nil, errors.New("EXECUTOR_ADDR is required in " + cfg.Environment)
		}
		logger.Warn("EXECUTOR_ADDR not set; transfers are simulated")
		return chain.NewSimulatedExecutor(), func() {}, nil
	}
	conn, err := dial(context.Background(), cfg, cfg.ExecutorAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial executor: %w", err)
	}
	return chain.NewRelayExecutor(conn, cfg.ExecutorTimeout), func() { conn.Close() }, nil
}

// dial connects to an internal gRPC service, presenting the gateway's
// certificate when TLS is configured.
func dial(ctx context.Context, cfg *config.Config, addr string) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if cfg.TLS.Enabled() {
		tlsCfg, err := security.LoadClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsCfg)
	}
	return grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(creds))
}
