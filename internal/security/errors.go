package security

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every non-2xx API answer.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteError(w, r, status, ErrorResponse{Error: code})
}

// WriteError writes body with the request's correlation id filled in.
func WriteError(w http.ResponseWriter, r *http.Request, status int, body ErrorResponse) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	body.CorrelationID = cid

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
