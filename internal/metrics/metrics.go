// Package metrics provides Prometheus instrumentation for the execution engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders by category and variant.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"category", "variant"})

	// OrderOutcomes counts orders reaching a terminal status.
	OrderOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_order_outcomes_total",
		Help: "Orders reaching a terminal status",
	}, []string{"status"})

	// ExecutionLatency tracks time from execute call to settled order.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exec_execution_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant"})

	// TicksProcessed counts price ticks consumed by the matcher.
	TicksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_ticks_processed_total",
		Help: "Price ticks processed",
	}, []string{"exchange"})

	// MatchResults counts candidate evaluations by outcome
	// (executed, noop, failed).
	MatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_match_results_total",
		Help: "Pending order evaluations by outcome",
	}, []string{"outcome"})

	// PendingOrders tracks the size of the pending order index.
	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_pending_orders",
		Help: "Orders currently in the pending index",
	})

	// SquareOffs counts position exits by source.
	SquareOffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_square_offs_total",
		Help: "Position square-offs by source",
	}, []string{"source"})

	// WalletOperations counts ledger operations by kind and result.
	WalletOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_wallet_operations_total",
		Help: "Wallet ledger operations",
	}, []string{"op", "result"})

	// LimitRejections counts orders rejected by the exposure limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_limit_rejections_total",
		Help: "Orders rejected by exposure limits",
	})

	// SweepRuns counts scheduled sweeps by job and result.
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_sweep_runs_total",
		Help: "Scheduled settlement sweeps",
	}, []string{"job", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exec_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Result maps an error to a "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps order and user IDs out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
