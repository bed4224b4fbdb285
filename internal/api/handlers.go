package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/batchpay/internal/auth"
	"github.com/example/batchpay/internal/batch"
	"github.com/example/batchpay/internal/security"
)

type handlers struct {
	deps Dependencies
}

type submitBatchRequest struct {
	Items          []batch.Item `json:"items"`
	Strategy       string       `json:"strategy"`
	MaxConcurrency int          `json:"max_concurrency"`
	RetryOnFailure bool         `json:"retry_on_failure"`
	MaxRetries     int          `json:"max_retries"`
	OwnerAddress   string       `json:"owner_address"`
	Sender         string       `json:"sender"`
}

type estimateBatchRequest struct {
	Items []batch.Item `json:"items"`
}

type retryBatchRequest struct {
	Indices        []int  `json:"indices"`
	Strategy       string `json:"strategy"`
	MaxConcurrency int    `json:"max_concurrency"`
	RetryOnFailure bool   `json:"retry_on_failure"`
	MaxRetries     int    `json:"max_retries"`
}

type batchResponse struct {
	CorrelationID string `json:"correlation_id"`
	*batch.Result
}

type estimateResponse struct {
	CorrelationID string `json:"correlation_id"`
	*batch.GasEstimate
}

func agentID(r *http.Request) string {
	if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
		return ai.ClientID
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		security.WriteError(w, r, http.StatusBadRequest, security.ErrorResponse{
			Error:   "invalid_json",
			Message: err.Error(),
		})
		return false
	}
	return true
}

func (h *handlers) batchesAvailable(w http.ResponseWriter, r *http.Request) bool {
	if h.deps.Batches == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "batches_unavailable")
		return false
	}
	return true
}

func (h *handlers) submitBatch(w http.ResponseWriter, r *http.Request) {
	if !h.batchesAvailable(w, r) {
		return
	}
	var req submitBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Sender != "" {
		ai, _ := auth.AuthInfoFromContext(r.Context())
		if !ai.MayDebit(req.Sender) {
			security.WriteError(w, r, http.StatusForbidden, security.ErrorResponse{
				Error:   "sender_not_permitted",
				Message: "sender is not an account of the authenticated agent",
			})
			return
		}
	}

	res, err := h.deps.Batches.SubmitBatch(r.Context(), req.Items, batch.Options{
		Strategy:       batch.Strategy(req.Strategy),
		MaxConcurrency: req.MaxConcurrency,
		RetryOnFailure: req.RetryOnFailure,
		MaxRetries:     req.MaxRetries,
		Owner: batch.OwnerContext{
			AgentID:      agentID(r),
			OwnerAddress: req.OwnerAddress,
			Sender:       req.Sender,
		},
	})
	var denied *batch.BudgetDeniedError
	if errors.As(err, &denied) && res != nil {
		security.WriteError(w, r, http.StatusForbidden, security.ErrorResponse{
			Error:   "budget_denied",
			Message: res.Reason,
			Details: res,
		})
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, batchResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Result:        res,
	})
}

func (h *handlers) estimateBatch(w http.ResponseWriter, r *http.Request) {
	if !h.batchesAvailable(w, r) {
		return
	}
	var req estimateBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	est, err := h.deps.Batches.EstimateBatchGas(r.Context(), req.Items)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, estimateResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		GasEstimate:   est,
	})
}

// ownedBatch loads a batch and hides batches submitted by other agents.
func (h *handlers) ownedBatch(w http.ResponseWriter, r *http.Request) (*batch.Result, bool) {
	res, err := h.deps.Batches.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return nil, false
	}
	if res.AgentID != "" && res.AgentID != agentID(r) {
		h.writeServiceError(w, r, batch.ErrBatchNotFound)
		return nil, false
	}
	return res, true
}

func (h *handlers) getBatch(w http.ResponseWriter, r *http.Request) {
	if !h.batchesAvailable(w, r) {
		return
	}
	res, ok := h.ownedBatch(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, batchResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Result:        res,
	})
}

func (h *handlers) retryBatch(w http.ResponseWriter, r *http.Request) {
	if !h.batchesAvailable(w, r) {
		return
	}
	var req retryBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	existing, ok := h.ownedBatch(w, r)
	if !ok {
		return
	}

	// the stored owner (agent, sender) is reused
	res, err := h.deps.Batches.RetryFailed(r.Context(), existing.BatchID, req.Indices, batch.Options{
		Strategy:       batch.Strategy(req.Strategy),
		MaxConcurrency: req.MaxConcurrency,
		RetryOnFailure: req.RetryOnFailure,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, batchResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Result:        res,
	})
}
