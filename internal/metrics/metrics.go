// Package metrics exposes Prometheus metrics for intake sessions and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the intake service.
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionDuration  prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	TurnsCompleted   *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	now func() time.Time
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "intake_active_sessions",
			Help: "Current number of open intake sessions",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_opened_total",
			Help: "Total number of intake sessions started",
		}),
		SessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_closed_total",
			Help: "Total number of intake sessions closed",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_session_duration_seconds",
			Help:    "Duration of intake sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 9), // 5s to ~21 minutes
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_state_transitions_total",
			Help: "Conversation state transitions",
		}, []string{"from", "to"}),
		TurnsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_turns_completed_total",
			Help: "Completed conversation turns by speaker",
		}, []string{"speaker"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_events_dropped_total",
			Help: "Events dropped because their session was unknown or closed",
		}, []string{"event"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		now: time.Now,
	}
}

// SessionOpened implements the orchestrator observer.
func (m *Metrics) SessionOpened(domain.Session) {
	m.ActiveSessions.Inc()
	m.SessionsOpened.Inc()
}

// StateChanged implements the orchestrator observer.
func (m *Metrics) StateChanged(_ string, from, to domain.State) {
	m.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// TurnUpdated implements the orchestrator observer.
func (m *Metrics) TurnUpdated(_ string, turn domain.Turn) {
	if turn.Completed {
		m.TurnsCompleted.WithLabelValues(string(turn.Speaker)).Inc()
	}
}

// SessionClosed implements the orchestrator observer.
func (m *Metrics) SessionClosed(s domain.Session) {
	m.ActiveSessions.Dec()
	m.SessionsClosed.Inc()
	end := m.now()
	if s.ClosedAt != nil {
		end = *s.ClosedAt
	}
	m.SessionDuration.Observe(end.Sub(s.CreatedAt).Seconds())
}

// EventDropped implements the orchestrator observer.
func (m *Metrics) EventDropped(_, event string, _ error) {
	m.EventsDropped.WithLabelValues(event).Inc()
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
