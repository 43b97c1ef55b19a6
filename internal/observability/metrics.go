package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the broker.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	sessionsOpened  *prometheus.CounterVec
	sessionsRefused *prometheus.CounterVec
	statementsTotal *prometheus.CounterVec
	policyErrors    prometheus.Counter
}

// NewMetrics initializes the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgveil_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgveil_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgveil_gate_sessions_opened_total",
		Help: "Gate sessions opened, by authentication path.",
	}, []string{"path"})
	refused := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgveil_gate_sessions_refused_total",
		Help: "Gate connections refused during the handshake, by reason.",
	}, []string{"reason"})
	statements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgveil_gate_statements_total",
		Help: "Statements handled by the gate, by verdict.",
	}, []string{"verdict"})
	policyErrs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgveil_policy_engine_errors_total",
		Help: "Policy engine calls that failed and were treated as deny.",
	})
	registry.MustRegister(requests, duration, sessions, refused, statements, policyErrs)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		sessionsOpened:  sessions,
		sessionsRefused: refused,
		statementsTotal: statements,
		policyErrors:    policyErrs,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// SessionOpened records a successfully authenticated gate session.
func (m *Metrics) SessionOpened(path string) {
	if m != nil {
		m.sessionsOpened.WithLabelValues(path).Inc()
	}
}

// SessionRefused records a handshake refusal.
func (m *Metrics) SessionRefused(reason string) {
	if m != nil {
		m.sessionsRefused.WithLabelValues(reason).Inc()
	}
}

// Statement records the verdict for one client statement.
func (m *Metrics) Statement(verdict string) {
	if m != nil {
		m.statementsTotal.WithLabelValues(verdict).Inc()
	}
}

// PolicyEngineError records a failed policy engine call.
func (m *Metrics) PolicyEngineError() {
	if m != nil {
		m.policyErrors.Inc()
	}
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
