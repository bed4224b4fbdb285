package api

import (
	"encoding/json"
	"net/http"

	"github.com/example/batchpay/internal/security"
)

// writeJSON writes v. Balances and batch state must never be served from a
// shared cache.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
