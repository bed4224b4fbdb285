package api

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/batchpay/internal/auth"
	"github.com/example/batchpay/internal/batch"
	"github.com/example/batchpay/internal/ledger"
	"github.com/example/batchpay/internal/logging"
	"github.com/example/batchpay/internal/metrics"
	"github.com/example/batchpay/internal/security"
)

// BatchService is the orchestrator as seen by the gateway.
type BatchService interface {
	SubmitBatch(ctx context.Context, items []batch.Item, opts batch.Options) (*batch.Result, error)
	GetBatch(ctx context.Context, batchID string) (*batch.Result, error)
	RetryFailed(ctx context.Context, batchID string, indices []int, opts batch.Options) (*batch.Result, error)
	EstimateBatchGas(ctx context.Context, items []batch.Item) (*batch.GasEstimate, error)
}

// LedgerService is satisfied by the in-process ledger and by the gRPC client.
type LedgerService interface {
	RecordTransfer(ctx context.Context, req ledger.TransferRequest) (*ledger.TransferResult, error)
	LockBalance(ctx context.Context, req ledger.LockRequest) (*ledger.LockResult, error)
	UnlockBalance(ctx context.Context, req ledger.UnlockRequest) (*ledger.UnlockResult, error)
	Deposit(ctx context.Context, req ledger.DepositRequest) (*ledger.DepositResult, error)
	GetUserBalances(ctx context.Context, owner string) ([]ledger.BalanceInfo, error)
	GetLedgerEntries(ctx context.Context, filter ledger.EntryFilter) (*ledger.EntryPage, error)
}

type Dependencies struct {
	Logger       *zap.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Batches BatchService
	Ledger  LedgerService

	Auditor      batch.Auditor
	Metrics      *metrics.Collectors
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

type validators struct {
	submit, estimate, retry         *security.JSONSchemaValidator
	transfer, lock, unlock, deposit *security.JSONSchemaValidator
}

func compileValidators() (*validators, error) {
	v := &validators{}
	for _, c := range []struct {
		dst    **security.JSONSchemaValidator
		schema string
	}{
		{&v.submit, submitBatchSchema},
		{&v.estimate, estimateBatchSchema},
		{&v.retry, retryBatchSchema},
		{&v.transfer, transferSchema},
		{&v.lock, lockSchema},
		{&v.unlock, unlockSchema},
		{&v.deposit, depositSchema},
	} {
		compiled, err := security.NewJSONSchemaValidator(c.schema)
		if err != nil {
			return nil, err
		}
		*c.dst = compiled
	}
	return v, nil
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	deps.Logger = logging.OrNop(deps.Logger).Named("api")

	v, err := compileValidators()
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	scopes := func(required ...string) func(http.Handler) http.Handler {
		return auth.RequireScopes(onAuthError, required...)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(deps.Metrics.InstrumentHandler)
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByIP))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	h := &handlers{deps: deps}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor, deps.Logger))
		}

		r.Route("/batches", func(r chi.Router) {
			r.With(scopes(auth.ScopeBatchesWrite), v.submit.Middleware).Post("/", h.submitBatch)
			r.With(scopes(auth.ScopeBatchesRead), v.estimate.Middleware).Post("/estimate", h.estimateBatch)
			r.With(scopes(auth.ScopeBatchesRead)).Get("/{batchID}", h.getBatch)
			r.With(scopes(auth.ScopeBatchesWrite), v.retry.Middleware).Post("/{batchID}/retry", h.retryBatch)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.With(scopes(auth.ScopeLedgerWrite), v.transfer.Middleware).Post("/transfers", h.recordTransfer)
			r.With(scopes(auth.ScopeLedgerWrite), v.lock.Middleware).Post("/locks", h.lockBalance)
			r.With(scopes(auth.ScopeLedgerWrite), v.unlock.Middleware).Post("/unlocks", h.unlockBalance)
			r.With(scopes(auth.ScopeLedgerWrite), v.deposit.Middleware).Post("/deposits", h.deposit)
			r.With(scopes(auth.ScopeLedgerRead)).Get("/balances/{owner}", h.balances)
			r.With(scopes(auth.ScopeLedgerRead)).Get("/entries", h.entries)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
