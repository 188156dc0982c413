// Package metrics holds the gateway's Prometheus collectors. A Metrics value
// owns a private registry so several gateways (and tests) can coexist in one
// process.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/naviya/webclient/internal/session"
)

const namespace = "naviya"

type Metrics struct {
	Registry *prometheus.Registry

	backendRequests *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	guardDecisions  *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	sessionEvents   *prometheus.CounterVec
	httpInFlight    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		backendRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "requests_total",
				Help:      "Backend requests by method, route and status. Status 0 is a transport failure.",
			},
			[]string{"method", "route", "status"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "request_duration_seconds",
				Help:      "Duration of backend requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "route"},
		),
		guardDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "guard",
				Name:      "decisions_total",
				Help:      "Route guard decisions by route class and outcome.",
			},
			[]string{"class", "decision"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dashboard",
				Name:      "refreshes_total",
				Help:      "Dashboard provider fetches by outcome.",
			},
			[]string{"outcome"},
		),
		sessionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "events_total",
				Help:      "Session change notifications by origin and transition.",
			},
			[]string{"origin", "transition"},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight gateway requests.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Gateway requests handled.",
			},
			[]string{"method", "path", "status"},
		),
	}

	m.Registry.MustRegister(
		m.backendRequests,
		m.backendDuration,
		m.guardDecisions,
		m.refreshes,
		m.sessionEvents,
		m.httpInFlight,
		m.httpRequests,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveRequest implements backend.Observer.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	route := BackendRoute(path)
	m.backendRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.backendDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveDecision implements guard.Observer.
func (m *Metrics) ObserveDecision(class, kind string) {
	m.guardDecisions.WithLabelValues(class, kind).Inc()
}

// ObserveRefresh implements dashboard.Observer.
func (m *Metrics) ObserveRefresh(outcome string) {
	m.refreshes.WithLabelValues(outcome).Inc()
}

// ObserveSession counts a session notification. Subscribe it to a
// session.Store.
func (m *Metrics) ObserveSession(ev session.Event) {
	transition := "set"
	if ev.Session == nil {
		transition = "clear"
	}
	m.sessionEvents.WithLabelValues(ev.Origin.String(), transition).Inc()
}

// InstrumentHandler counts gateway requests. The metrics endpoint and
// websocket upgrades pass through untouched.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/events" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		m.httpRequests.WithLabelValues(strings.ToUpper(r.Method), gatewayPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// BackendRoute replaces user and plan ids in backend paths so label
// cardinality stays bounded.
func BackendRoute(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, prefix := range [][]string{
		{"api", "dashboard", "state"},
		{"api", "mentor", "messages"},
	} {
		if len(parts) == len(prefix)+1 && hasPrefix(parts, prefix) {
			return "/" + strings.Join(prefix, "/") + "/:id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func hasPrefix(parts, prefix []string) bool {
	for i, p := range prefix {
		if parts[i] != p {
			return false
		}
	}
	return true
}

// gatewayPath keeps the first segment, plus the second for the fixed
// action groups. Everything under /career, /learn and /roadmap collapses.
func gatewayPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "session", "onboarding", "dashboard", "resume":
		if len(parts) == 2 {
			return "/" + parts[0] + "/" + parts[1]
		}
	}
	return "/" + parts[0]
}
