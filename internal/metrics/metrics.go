package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batchpay"

// Collectors owns a Prometheus registry and the application collectors
// registered on it. A nil *Collectors records nothing.
type Collectors struct {
	registry *prometheus.Registry

	httpRequests          *prometheus.CounterVec
	httpDuration          *prometheus.HistogramVec
	batchSubmissions      *prometheus.CounterVec
	batchItems            *prometheus.CounterVec
	batchRetries          *prometheus.CounterVec
	batchDuration         prometheus.Histogram
	batchTrackingFailures *prometheus.CounterVec
	ledgerOperations      *prometheus.CounterVec
	budgetDecisions       *prometheus.CounterVec
}

// New builds the collectors on a fresh registry, together with the process
// and Go runtime collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "route"},
		),
		batchSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "submissions_total",
				Help:      "Batches by terminal status.",
			},
			[]string{"status"},
		),
		batchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "items_total",
				Help:      "Batch items by chain and terminal status.",
			},
			[]string{"chain_id", "status"},
		),
		batchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "item_retries_total",
				Help:      "Retry attempts made for batch items.",
			},
			[]string{"chain_id"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "duration_seconds",
				Help:      "Wall time from submission to terminal status.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
		),
		batchTrackingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "tracking_failures_total",
				Help:      "Swallowed batch header/result persistence failures.",
			},
			[]string{"operation"},
		),
		ledgerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by outcome.",
			},
			[]string{"operation", "result"},
		),
		budgetDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "budget",
				Name:      "decisions_total",
				Help:      "Budget guard decisions.",
			},
			[]string{"allowed"},
		),
	}
	c.registry.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.batchSubmissions,
		c.batchItems,
		c.batchRetries,
		c.batchDuration,
		c.batchTrackingFailures,
		c.ledgerOperations,
		c.budgetDecisions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency keyed by the chi route pattern.
func (c *Collectors) InstrumentHandler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordBatch records a batch reaching a terminal status.
func (c *Collectors) RecordBatch(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.batchSubmissions.WithLabelValues(status).Inc()
	if duration > 0 {
		c.batchDuration.Observe(duration.Seconds())
	}
}

// RecordBatchItem records one item outcome and the retries it consumed.
func (c *Collectors) RecordBatchItem(chainID int64, status string, retries int) {
	if c == nil {
		return
	}
	chain := strconv.FormatInt(chainID, 10)
	c.batchItems.WithLabelValues(chain, status).Inc()
	if retries > 0 {
		c.batchRetries.WithLabelValues(chain).Add(float64(retries))
	}
}

// RecordTrackingFailure counts a batch bookkeeping write that was logged and dropped.
func (c *Collectors) RecordTrackingFailure(operation string) {
	if c == nil {
		return
	}
	c.batchTrackingFailures.WithLabelValues(operation).Inc()
}

// RecordLedgerOperation records the outcome of a ledger mutation.
func (c *Collectors) RecordLedgerOperation(operation, result string) {
	if c == nil {
		return
	}
	c.ledgerOperations.WithLabelValues(operation, result).Inc()
}

// RecordBudgetDecision records an allow/deny from the budget guard.
func (c *Collectors) RecordBudgetDecision(allowed bool) {
	if c == nil {
		return
	}
	c.budgetDecisions.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
