package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/batchpay/internal/config"
	"github.com/example/batchpay/internal/ledger"
	"github.com/example/batchpay/internal/ledgerrpc"
	"github.com/example/batchpay/internal/logging"
	"github.com/example/batchpay/internal/metrics"
	"github.com/example/batchpay/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger.Named("ledger")); err != nil {
		logger.Error("ledger stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1 << 20),
		grpc.MaxSendMsgSize(4 << 20),
	}
	if cfg.TLS.Enabled() {
		tlsCfg, err := security.LoadServerTLSConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
		if cfg.TLS.RequireClientAuth {
			opts = append(opts, grpc.UnaryInterceptor(ledgerrpc.AuthorizePeers(logger)))
		}
	} else if cfg.Production() {
		return errors.New("TLS is required in " + cfg.Environment)
	}

	collectors := metrics.New()
	srv := grpc.NewServer(opts...)
	ledgerrpc.Register(srv, ledgerrpc.NewServer(ledger.NewService(store, logger, collectors), logger))

	hs := health.NewServer()
	hs.SetServingStatus(ledgerrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	if !cfg.Production() {
		reflection.Register(srv)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           collectors.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener stopped", zap.String("addr", cfg.MetricsAddr), zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		hs.Shutdown()
		srv.GracefulStop()
		_ = metricsSrv.Close()
	}()

	logger.Info("ledger service listening",
		zap.String("addr", cfg.GRPCAddr),
		zap.String("store", cfg.StoreDriver),
		zap.Bool("mtls", cfg.TLS.RequireClientAuth))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("create postgres pool: %w", err)
		}
		store := ledger.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate ledger: %w", err)
		}
		return store, pool.Close, nil
	case config.DriverSQLite:
		db, err := sql.Open("sqlite3", cfg.SQLitePath+"?_busy_timeout=5000")
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		store := ledger.NewSQLiteStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate ledger: %w", err)
		}
		return store, func() { db.Close() }, nil
	default:
		return ledger.NewMemoryStore(), func() {}, nil
	}
}
