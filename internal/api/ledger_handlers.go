package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/batchpay/internal/ledger"
	"github.com/example/batchpay/internal/security"
)

type balancesResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Owner         string               `json:"owner"`
	Balances      []ledger.BalanceInfo `json:"balances"`
}

type entriesResponse struct {
	CorrelationID string `json:"correlation_id"`
	*ledger.EntryPage
}

func (h *handlers) ledgerAvailable(w http.ResponseWriter, r *http.Request) bool {
	if h.deps.Ledger == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
		return false
	}
	return true
}

// withCID wraps a ledger result with the request's correlation id.
func withCID(r *http.Request, v any) map[string]any {
	return map[string]any{
		"correlation_id": security.CorrelationIDFromContext(r.Context()),
		"result":         v,
	}
}

func (h *handlers) recordTransfer(w http.ResponseWriter, r *http.Request) {
	if !h.ledgerAvailable(w, r) {
		return
	}
	var req ledger.TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.deps.Ledger.RecordTransfer(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, r, status, withCID(r, res))
}

func (h *handlers) lockBalance(w http.ResponseWriter, r *http.Request) {
	if !h.ledgerAvailable(w, r) {
		return
	}
	var req ledger.LockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.deps.Ledger.LockBalance(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, withCID(r, res))
}

func (h *handlers) unlockBalance(w http.ResponseWriter, r *http.Request) {
	if !h.ledgerAvailable(w, r) {
		return
	}
	var req ledger.UnlockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.deps.Ledger.UnlockBalance(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, withCID(r, res))
}

func (h *handlers) deposit(w http.ResponseWriter, r *http.Request) {
	if !h.ledgerAvailable(w, r) {
		return
	}
	var req ledger.DepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.deps.Ledger.Deposit(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, r, status, withCID(r, res))
}

func (h *handlers) balances(w http.ResponseWriter, r *http.Request) {
	if !h.ledgerAvailable(w, r) {
		return
	}
	owner := chi.URLParam(r, "owner")
	balances, err := h.deps.Ledger.GetUserBalances(r.Context(), owner)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if balances == nil {
		balances = []ledger.BalanceInfo{}
	}
	writeJSON(w, r, http.StatusOK, balancesResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Owner:         owner,
		Balances:      balances,
	})
}

func (h *handlers) entries(w http.ResponseWriter, r *http.Request) {
	if !h.ledgerAvailable(w, r) {
		return
	}
	q := r.URL.Query()
	filter := ledger.EntryFilter{
		Owner:         q.Get("owner"),
		Token:         q.Get("token"),
		Category:      ledger.Category(q.Get("category")),
		ReferenceType: q.Get("reference_type"),
		ReferenceID:   q.Get("reference_id"),
		TransactionID: q.Get("transaction_id"),
	}

	var bad []string
	parseInt := func(key string, dst *int) {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				bad = append(bad, key)
				return
			}
			*dst = n
		}
	}
	parseInt("limit", &filter.Limit)
	parseInt("offset", &filter.Offset)
	if v := q.Get("chain_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			bad = append(bad, "chain_id")
		}
		filter.ChainID = n
	}
	if len(bad) > 0 {
		security.WriteError(w, r, http.StatusBadRequest, security.ErrorResponse{
			Error:   "invalid_request",
			Message: "malformed query parameters",
			Details: bad,
		})
		return
	}

	page, err := h.deps.Ledger.GetLedgerEntries(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entriesResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		EntryPage:     page,
	})
}
