package api

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/batchpay/internal/batch"
	"github.com/example/batchpay/internal/ledger"
	"github.com/example/batchpay/internal/security"
)

// writeServiceError maps orchestrator and ledger errors to HTTP answers.
// Anything unrecognised is logged and reported as internal_error.
func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		h.deps.Logger.Error("request failed",
			zap.String("cid", security.CorrelationIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	security.WriteError(w, r, status, body)
}

func classify(err error) (int, security.ErrorResponse) {
	var (
		invalid    *batch.ValidationError
		denied     *batch.BudgetDeniedError
		transition *batch.TransitionError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, security.ErrorResponse{Error: "invalid_batch", Message: invalid.Error(), Details: invalid.Issues}
	case errors.As(err, &denied):
		return http.StatusForbidden, security.ErrorResponse{Error: "budget_denied", Message: denied.Reason}
	case errors.Is(err, batch.ErrBatchNotFound):
		return http.StatusNotFound, security.ErrorResponse{Error: "not_found", Message: "batch not found"}
	case errors.Is(err, batch.ErrBatchProcessing):
		return http.StatusConflict, security.ErrorResponse{Error: "batch_processing", Message: err.Error(), Retryable: true}
	case errors.As(err, &transition):
		return http.StatusConflict, security.ErrorResponse{Error: "invalid_transition", Message: transition.Error()}
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, security.ErrorResponse{Error: "insufficient_balance", Message: err.Error()}
	case errors.Is(err, ledger.ErrLockExceeded):
		return http.StatusConflict, security.ErrorResponse{Error: "lock_exceeded", Message: err.Error()}
	case errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict, security.ErrorResponse{Error: "concurrent_modification", Message: err.Error(), Retryable: true}
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return http.StatusConflict, security.ErrorResponse{Error: "idempotency_conflict", Message: err.Error(), Retryable: true}
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidTransfer):
		return http.StatusBadRequest, security.ErrorResponse{Error: "invalid_request", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, security.ErrorResponse{Error: "timeout", Retryable: true}
	case errors.Is(err, context.Canceled):
		// client went away; the status is never seen
		return http.StatusServiceUnavailable, security.ErrorResponse{Error: "canceled"}
	default:
		return http.StatusInternalServerError, security.ErrorResponse{Error: "internal_error"}
	}
}
