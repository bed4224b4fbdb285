package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/batchpay/internal/api"
	"github.com/example/batchpay/internal/auth"
	"github.com/example/batchpay/internal/batch"
	"github.com/example/batchpay/internal/budget"
	"github.com/example/batchpay/internal/chain"
	"github.com/example/batchpay/internal/config"
	"github.com/example/batchpay/internal/logging"
	"github.com/example/batchpay/internal/metrics"
	"github.com/example/batchpay/internal/security"
	"github.com/example/batchpay/pkg/audit"
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	collectors := metrics.New()
	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// the budget guard fails closed, so batches are refused until redis is back
		logger.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	ledgerSvc, closeLedger, err := openLedger(ctx, cfg, stores, logger, collectors)
	if err != nil {
		return err
	}
	defer closeLedger()

	executor, closeExecutor, err := openExecutor(cfg, logger)
	if err != nil {
		return err
	}
	defer closeExecutor()

	sink, closeSink, err := audit.OpenSink(cfg.AuditSink, logger.Named("audit"))
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	if closeSink != nil {
		defer closeSink.Close()
	}
	auditor := audit.NewChainLogger(sink)

	registry := chain.DefaultRegistry()
	orchestrator, err := batch.NewOrchestrator(batch.Config{
		MaxConcurrency: cfg.Batch.MaxConcurrency,
		MaxRetries:     cfg.Batch.MaxRetries,
		RetryBaseDelay: cfg.Batch.RetryBaseDelay,
		PrivateKeyRef:  cfg.KMSSigner,
	}, batch.Dependencies{
		Registry: registry,
		Executor: executor,
		Budget: budget.NewRedisGuard(rdb, budget.Policy{
			DailyLimit:       cfg.Budget.DailyLimit,
			MaxBatchAmount:   cfg.Budget.MaxBatchAmount,
			FailureThreshold: cfg.Budget.FailureThreshold,
			Cooldown:         cfg.Budget.Cooldown,
		}, logger, collectors),
		Gas:     chain.NewStaticGasEstimator(registry, chain.DefaultGasProfiles()),
		Ledger:  ledgerSvc,
		Store:   stores.batches,
		Auditor: auditor,
		Logger:  logger,
		Metrics: collectors,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	keySet, err := loadKeySet(cfg)
	if err != nil {
		return err
	}
	clients, err := clientStore(ctx, cfg, stores)
	if err != nil {
		return err
	}
	allowlist, err := security.ParseCIDRAllowlist(cfg.HTTP.IPAllowlist)
	if err != nil {
		return fmt.Errorf("invalid API_IP_ALLOWLIST: %w", err)
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger: logger,
		OAuth: &auth.OAuthServer{
			Store:          clients,
			Keys:           keySet,
			Issuer:         cfg.OAuth.Issuer,
			AccessTokenTTL: cfg.OAuth.TokenTTL,
		},
		JWTValidator: &auth.JWTValidator{KeySet: keySet, Issuer: cfg.OAuth.Issuer},
		Batches:      orchestrator,
		Ledger:       ledgerSvc,
		Auditor:      auditor,
		Metrics:      collectors,
		RateLimiter: &security.RedisTokenBucket{
			Redis:      rdb,
			Prefix:     "batchpay_api",
			Capacity:   cfg.HTTP.RateLimitCapacity,
			RefillRate: cfg.HTTP.RateLimitRefill,
		},
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// batches run inside the request
		WriteTimeout: cfg.ExecutorTimeout + time.Minute,
	}
	if cfg.TLS.Enabled() {
		tlsCfg, err := security.LoadServerTLSConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		srv.TLSConfig = tlsCfg
	} else if cfg.Production() {
		return errors.New("TLS is required in " + cfg.Environment)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("batch gateway listening",
			zap.String("addr", cfg.APIAddr),
			zap.Bool("tls", srv.TLSConfig != nil),
			zap.String("store", cfg.StoreDriver),
			zap.Bool("remote_ledger", cfg.LedgerAddr != ""))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadKeySet(cfg *config.Config) (*auth.KeySet, error) {
	if cfg.OAuth.SigningKeyFile == "" {
		if cfg.Production() {
			return nil, errors.New("OAUTH_SIGNING_KEY_FILE is required in " + cfg.Environment)
		}
		return auth.NewKeySet()
	}
	ks, err := auth.LoadKeySet(cfg.OAuth.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return ks, nil
}

func clientStore(ctx context.Context, cfg *config.Config, s *stores) (auth.ClientStore, error) {
	if cfg.OAuth.Clients != "" {
		clients, err := auth.ParseClients(cfg.OAuth.Clients)
		if err != nil {
			return nil, fmt.Errorf("invalid OAUTH_CLIENTS: %w", err)
		}
		return auth.NewStaticClientStore(clients...), nil
	}
	if s.pool == nil {
		return nil, errors.New("OAUTH_CLIENTS is required unless STORE_DRIVER=postgres")
	}
	store := &auth.PostgresClientStore{Pool: s.pool}
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate oauth clients: %w", err)
	}
	return store, nil
}
