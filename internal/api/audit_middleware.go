package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/batchpay/internal/batch"
	"github.com/example/batchpay/internal/security"
)

// AuditMiddleware chains every state-changing request into the audit log.
// Reads are not audited.
func AuditMiddleware(a batch.Auditor, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			err := a.Append(r.Context(), "http.request", map[string]any{
				"cid":         security.CorrelationIDFromContext(r.Context()),
				"agent_id":    agentID(r),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      sw.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if err != nil {
				logger.Error("audit append failed", zap.String("path", r.URL.Path), zap.Error(err))
			}
		})
	}
}
