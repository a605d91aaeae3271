// Package observability exposes Prometheus metrics for the access-control
// engine and the ops HTTP surface that serves them.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the engine's Prometheus collectors.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	reconciles      *prometheus.CounterVec
	cuts            *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	sessionErrors   *prometheus.CounterVec
}

// NewMetrics initialises the registry and the engine collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	reconciles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipsctl_reconciles_total",
		Help: "Profile reconciliations by outcome.",
	}, []string{"outcome"})
	cuts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipsctl_enforcement_customers_total",
		Help: "Customers processed by the overdue enforcer, by result.",
	}, []string{"result"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipsctl_notifications_total",
		Help: "Reminder delivery attempts by status.",
	}, []string{"status"})
	sessionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ipsctl_router_session_duration_seconds",
		Help:    "Duration of RouterOS API sessions per router.",
		Buckets: prometheus.DefBuckets,
	}, []string{"router"})
	sessionErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipsctl_router_session_errors_total",
		Help: "Failed RouterOS API sessions per router.",
	}, []string{"router"})
	registry.MustRegister(reconciles, cuts, notifications, sessionDuration, sessionErrors)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		reconciles:      reconciles,
		cuts:            cuts,
		notifications:   notifications,
		sessionDuration: sessionDuration,
		sessionErrors:   sessionErrors,
	}
}

// ObserveReconcile records one reconciliation outcome (changed, noop, failed).
func (m *Metrics) ObserveReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}

// ObserveEnforcement records one enforcer per-customer result (cut, failed).
func (m *Metrics) ObserveEnforcement(result string) {
	if m == nil {
		return
	}
	m.cuts.WithLabelValues(result).Inc()
}

// ObserveNotification records one delivery attempt status (sent, failed, skipped).
func (m *Metrics) ObserveNotification(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

// ObserveRouterSession records one gateway session.
func (m *Metrics) ObserveRouterSession(router string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sessionDuration.WithLabelValues(router).Observe(d.Seconds())
	if err != nil {
		m.sessionErrors.WithLabelValues(router).Inc()
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

// OpsRouter builds the rate-limited ops mux: metrics plus liveness.
func (m *Metrics) OpsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(60, time.Minute))
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
