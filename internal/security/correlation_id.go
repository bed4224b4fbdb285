package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const CorrelationIDHeader = "X-Correlation-ID"

// inbound ids longer than this are replaced
const maxCorrelationIDLen = 128

type correlationIDKey struct{}

func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if !validCorrelationID(cid) {
			cid = uuid.NewString()
		}

		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), cid)))
	})
}

func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, cid)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if v := ctx.Value(correlationIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func validCorrelationID(cid string) bool {
	if cid == "" || len(cid) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(cid); i++ {
		if c := cid[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
