package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/batchpay/internal/security"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func RequestLogger(l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			fields := []zap.Field{
				zap.String("cid", security.CorrelationIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if sw.status >= http.StatusInternalServerError {
				l.Warn("http_request", fields...)
				return
			}
			l.Info("http_request", fields...)
		})
	}
}
