package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/batchpay/internal/security"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	LogLevel    string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	APIAddr  string
	GRPCAddr string
	// MetricsAddr is where the ledger service exposes Prometheus metrics.
	MetricsAddr string
	// LedgerAddr points the gateway at a remote ledger; empty runs it in-process.
	LedgerAddr      string
	ExecutorAddr    string
	ExecutorTimeout time.Duration

	AuditSink string
	KMSSigner string

	Batch  BatchConfig
	Budget BudgetConfig
	HTTP   HTTPConfig
	OAuth  OAuthConfig
	TLS    security.TLSConfig
}

type BatchConfig struct {
	MaxConcurrency int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

type BudgetConfig struct {
	DailyLimit       decimal.Decimal
	MaxBatchAmount   decimal.Decimal
	FailureThreshold int
	Cooldown         time.Duration
}

type HTTPConfig struct {
	MaxBodyBytes      int64
	IPAllowlist       string
	RateLimitCapacity int
	RateLimitRefill   float64
}

type OAuthConfig struct {
	Issuer         string
	SigningKeyFile string
	// Clients is the static client list, see auth.ParseClients.
	Clients  string
	TokenTTL time.Duration
}

// Load loads configuration from environment variables and validates it.
func Load() (*Config, error) {
	p := &envParser{}
	cfg := &Config{
		Environment: os.Getenv("APP_ENV"),
		LogLevel:    os.Getenv("LOG_LEVEL"),

		StoreDriver: p.str("STORE_DRIVER", DriverPostgres),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		RedisAddr:   p.str("REDIS_ADDR", "localhost:6379"),

		APIAddr:         p.str("API_ADDR", ":8443"),
		GRPCAddr:        p.str("GRPC_ADDR", ":50051"),
		MetricsAddr:     p.str("METRICS_ADDR", ":9090"),
		LedgerAddr:      os.Getenv("LEDGER_ADDR"),
		ExecutorAddr:    os.Getenv("EXECUTOR_ADDR"),
		ExecutorTimeout: p.duration("EXECUTOR_TIMEOUT", 2*time.Minute),

		AuditSink: os.Getenv("AUDIT_SINK"),
		KMSSigner: os.Getenv("KMS_SIGNER"),

		Batch: BatchConfig{
			MaxConcurrency: p.integer("BATCH_MAX_CONCURRENCY", 5),
			MaxRetries:     p.integer("BATCH_MAX_RETRIES", 3),
			RetryBaseDelay: p.duration("BATCH_RETRY_BASE_DELAY", 5*time.Second),
		},
		Budget: BudgetConfig{
			DailyLimit:       p.decimal("BUDGET_DAILY_LIMIT", decimal.NewFromInt(10000)),
			MaxBatchAmount:   p.decimal("BUDGET_MAX_BATCH_AMOUNT", decimal.NewFromInt(5000)),
			FailureThreshold: p.integer("BUDGET_FAILURE_THRESHOLD", 5),
			Cooldown:         p.duration("BUDGET_COOLDOWN", 15*time.Minute),
		},
		HTTP: HTTPConfig{
			MaxBodyBytes:      int64(p.integer("API_MAX_BODY_BYTES", 1<<20)),
			IPAllowlist:       os.Getenv("API_IP_ALLOWLIST"),
			RateLimitCapacity: p.integer("API_RATE_LIMIT_CAPACITY", 100),
			RateLimitRefill:   p.float("API_RATE_LIMIT_REFILL_PER_SEC", 50),
		},
		OAuth: OAuthConfig{
			Issuer:         p.str("OAUTH_ISSUER", "batchpay"),
			SigningKeyFile: os.Getenv("OAUTH_SIGNING_KEY_FILE"),
			Clients:        os.Getenv("OAUTH_CLIENTS"),
			TokenTTL:       p.duration("OAUTH_TOKEN_TTL", 15*time.Minute),
		},
		TLS: security.TLSConfig{
			CertFile:          os.Getenv("TLS_CERT_FILE"),
			KeyFile:           os.Getenv("TLS_KEY_FILE"),
			CAFile:            os.Getenv("TLS_CA_FILE"),
			RequireClientAuth: p.boolean("TLS_REQUIRE_CLIENT_CERT", false),
		},
	}
	if dir := os.Getenv("TLS_DIR"); dir != "" && !cfg.TLS.Enabled() {
		paths := security.TLSPathsFromDir(dir)
		paths.RequireClientAuth = cfg.TLS.RequireClientAuth
		cfg.TLS = paths
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Production reports whether the environment handles real funds.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite, memory; got %q", c.StoreDriver)
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.Batch.MaxConcurrency < 1 || c.Batch.MaxConcurrency > 100 {
		return errors.New("BATCH_MAX_CONCURRENCY must be between 1 and 100")
	}
	if c.Batch.MaxRetries < 0 {
		return errors.New("BATCH_MAX_RETRIES must not be negative")
	}
	if c.Budget.DailyLimit.IsNegative() || c.Budget.MaxBatchAmount.IsNegative() {
		return errors.New("budget limits must not be negative")
	}
	if c.TLS.Enabled() && c.TLS.CAFile != "" {
		if err := security.VerifyTLSFiles(c.TLS.CertFile, c.TLS.KeyFile, c.TLS.CAFile); err != nil {
			return err
		}
	}

	if c.Production() {
		if c.AuditSink == "" {
			missing = append(missing, "AUDIT_SINK")
		}
		if c.KMSSigner == "" {
			missing = append(missing, "KMS_SIGNER")
		}
		if c.ExecutorAddr == "" {
			missing = append(missing, "EXECUTOR_ADDR")
		}

		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}

		if !isSecretReference(c.KMSSigner) {
			return errors.New("KMS_SIGNER must be a KMS reference (start with aws-kms://, gcp-kms://, or vault://)")
		}
		if c.StoreDriver == DriverMemory {
			return errors.New("STORE_DRIVER=memory is not allowed in " + c.Environment)
		}
	}

	return nil
}

func isSecretReference(val string) bool {
	prefixes := []string{"aws-kms://", "gcp-kms://", "vault://"}
	for _, p := range prefixes {
		if strings.HasPrefix(val, p) {
			return true
		}
	}
	return false
}

// envParser reads typed variables and collects every parse failure.
type envParser struct {
	errs []error
}

func (p *envParser) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *envParser) str(key, def string) string {
	if v, ok := p.lookup(key); ok {
		return v
	}
	return def
}

func (p *envParser) integer(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *envParser) float(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *envParser) boolean(key string, def bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *envParser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
