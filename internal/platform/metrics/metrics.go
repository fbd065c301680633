// Package metrics holds the Prometheus collectors shared by gateway and worker nodes.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SandboxBuckets spans the sandbox wall-clock range, 10ms to 10s.
var SandboxBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

var (
	// TasksTotal counts answered tasks by language and outcome kind ("ok" on success).
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goxec_tasks_total",
			Help: "Tasks answered by workers",
		},
		[]string{"language", "outcome"},
	)

	// SandboxDuration records sandbox wall-clock time per language.
	SandboxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goxec_sandbox_duration_seconds",
			Help:    "Sandbox run duration",
			Buckets: SandboxBuckets,
		},
		[]string{"language"},
	)

	// BusyWorkers tracks workers currently awaiting a supervisor.
	BusyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "goxec_workers_busy",
			Help: "Workers with a task in flight",
		},
	)

	// WorkerRestarts counts worker slots restarted after a panic.
	WorkerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goxec_worker_restarts_total",
			Help: "Worker slots restarted by the pool",
		},
	)

	// LivePools tracks the worker pools a gateway currently resolves.
	LivePools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "goxec_live_pools",
			Help: "Worker pools resolved by discovery",
		},
	)

	// DispatchFailures counts gateway requests that got no outcome, by reason.
	DispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goxec_dispatch_failures_total",
			Help: "Dispatches that ended without an outcome",
		},
		[]string{"reason"},
	)

	// RequestsTotal counts HTTP requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goxec_http_requests_total",
			Help: "HTTP requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goxec_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: SandboxBuckets,
		},
		[]string{"method"},
	)

	// RateLimited counts submissions rejected by the rate limiter.
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goxec_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		SandboxDuration,
		BusyWorkers,
		WorkerRestarts,
		LivePools,
		DispatchFailures,
		RequestsTotal,
		RequestDuration,
		RateLimited,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// OutcomeLabel is the label value used for an outcome kind; successes report "ok".
func OutcomeLabel(kind string) string {
	if kind == "" {
		return "ok"
	}
	return kind
}

// Middleware records request count and duration for every request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status/100)+"xx").Inc()
		RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.written = true
	return h.Hijack()
}
