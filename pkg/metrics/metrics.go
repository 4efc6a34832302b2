// Package metrics exposes the server's Prometheus metrics, grounded on
// the teacher's pkg/server/metrics.go: a single Registry holding HTTP,
// WebSocket, and game-specific series, with a promhttp handler wired at
// /metrics by pkg/httpapi.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds every Prometheus series the server records.
type Metrics struct {
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	activeConnections prometheus.Gauge
	wsConnections     *prometheus.CounterVec
	wsMessages        *prometheus.CounterVec

	activeSessions prometheus.Gauge
	turnsCompleted *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	ruleViolations *prometheus.CounterVec
	sessionEndings *prometheus.CounterVec

	serverStartTime prometheus.Gauge
	healthChecks    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers the full metric set.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticsengine_http_requests_total",
				Help: "Total number of HTTP requests processed by method and status",
			},
			[]string{"method", "endpoint", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacticsengine_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tacticsengine_websocket_connections_active",
				Help: "Number of active WebSocket connections",
			},
		),

		wsConnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticsengine_websocket_connections_total",
				Help: "Total number of WebSocket connections by lifecycle event",
			},
			[]string{"event"}, // "connected", "disconnected", "auth_timeout", "evicted"
		),

		wsMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticsengine_websocket_messages_total",
				Help: "Total number of WebSocket envelopes by direction and message type",
			},
			[]string{"direction", "type"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tacticsengine_sessions_active",
				Help: "Number of active combat sessions",
			},
		),

		turnsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticsengine_turns_completed_total",
				Help: "Total number of turns completed by ending reason",
			},
			[]string{"reason"}, // "manual", "timeout"
		),

		turnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacticsengine_turn_duration_seconds",
				Help:    "Wall-clock duration of a unit's turn",
				Buckets: prometheus.LinearBuckets(1, 2, 8), // 1s..15s, around the 15s deadline
			},
			[]string{"team"},
		),

		ruleViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticsengine_rule_violations_total",
				Help: "Total number of actions rejected by the rules engine, by reason",
			},
			[]string{"reason"},
		),

		sessionEndings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticsengine_session_endings_total",
				Help: "Total number of sessions ending by result",
			},
			[]string{"result"}, // "victory", "defeat", "draw", "aborted"
		),

		serverStartTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tacticsengine_server_start_time_seconds",
				Help: "Unix timestamp when the server started",
			},
		),

		healthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacticsengine_health_checks_total",
				Help: "Total number of health checks by name and status",
			},
			[]string{"check_name", "status"},
		),

		registry: registry,
	}

	m.registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.activeConnections,
		m.wsConnections,
		m.wsMessages,
		m.activeSessions,
		m.turnsCompleted,
		m.turnDuration,
		m.ruleViolations,
		m.sessionEndings,
		m.serverStartTime,
		m.healthChecks,
	)

	m.serverStartTime.SetToCurrentTime()

	return m
}

// Handler returns an HTTP handler exposing the registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          m.registry,
	})
}

// RecordHTTPRequest records one HTTP request/response cycle.
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.requestCount.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordWebSocketConnection records a connection lifecycle event and
// keeps the active-connections gauge in step.
func (m *Metrics) RecordWebSocketConnection(event string) {
	m.wsConnections.WithLabelValues(event).Inc()
	switch event {
	case "connected":
		m.activeConnections.Inc()
	case "disconnected", "auth_timeout", "evicted":
		m.activeConnections.Dec()
	}
}

// RecordWebSocketMessage records one inbound or outbound envelope.
func (m *Metrics) RecordWebSocketMessage(direction, messageType string) {
	m.wsMessages.WithLabelValues(direction, messageType).Inc()
}

// UpdateActiveSessions sets the active-sessions gauge.
func (m *Metrics) UpdateActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordTurnCompleted records a completed turn and its wall-clock
// duration.
func (m *Metrics) RecordTurnCompleted(reason, team string, duration time.Duration) {
	m.turnsCompleted.WithLabelValues(reason).Inc()
	m.turnDuration.WithLabelValues(team).Observe(duration.Seconds())
}

// RecordRuleViolation records an action rejected by the rules engine.
func (m *Metrics) RecordRuleViolation(reason string) {
	m.ruleViolations.WithLabelValues(reason).Inc()
}

// RecordSessionEnding records a session reaching a terminal result.
func (m *Metrics) RecordSessionEnding(result string) {
	m.sessionEndings.WithLabelValues(result).Inc()
}

// RecordHealthCheck records the outcome of one health probe.
func (m *Metrics) RecordHealthCheck(checkName, status string) {
	m.healthChecks.WithLabelValues(checkName, status).Inc()
}

// Middleware wraps an http.Handler to record request metrics and a
// structured debug log line per request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		endpoint := sanitizeEndpoint(r.URL.Path)
		m.RecordHTTPRequest(r.Method, endpoint, recorder.statusCode, duration)

		logrus.WithFields(logrus.Fields{
			"method":      r.Method,
			"endpoint":    endpoint,
			"status":      recorder.statusCode,
			"duration_ms": duration.Milliseconds(),
		}).Debug("http request processed")
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func sanitizeEndpoint(path string) string {
	switch path {
	case "/":
		return "root"
	case "/health":
		return "health"
	case "/ready":
		return "ready"
	case "/live":
		return "live"
	case "/metrics":
		return "metrics"
	case "/ws":
		return "websocket"
	default:
		if len(path) > 20 {
			return "other"
		}
		return path
	}
}
