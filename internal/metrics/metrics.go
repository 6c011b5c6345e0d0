// Package metrics exposes Prometheus collectors for the console service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/botfleet-console/internal/session"
)

var (
	sessionTransitionsTotal    *prometheus.CounterVec
	sessionState               *prometheus.GaugeVec
	hubReconnectsTotal         prometheus.Counter
	consoleSwitchesTotal       prometheus.Counter
	fleetAPIRequestsTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

var states = []session.State{
	session.StateDisconnected,
	session.StateConnecting,
	session.StateConnected,
	session.StateReconnecting,
	session.StateDisconnecting,
}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botconsole_session_transitions_total",
				Help: "Session state transitions, labeled by source and target state.",
			},
			[]string{"from", "to"},
		)

		sessionState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "botconsole_session_state",
				Help: "1 for the state the active session is in, 0 otherwise.",
			},
			[]string{"state"},
		)

		hubReconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botconsole_hub_reconnects_total",
				Help: "Times an established hub connection dropped and reconnecting began.",
			},
		)

		consoleSwitchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botconsole_scope_switches_total",
				Help: "Times the operator switched the console to another scope.",
			},
		)

		fleetAPIRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botconsole_fleet_api_requests_total",
				Help: "Calls to the fleet REST API, labeled by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSessionTransition is a session.Observer.
func ObserveSessionTransition(from, to session.State) {
	Init()
	sessionTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	for _, st := range states {
		v := 0.0
		if st == to {
			v = 1
		}
		sessionState.WithLabelValues(st.String()).Set(v)
	}
	if to == session.StateReconnecting {
		hubReconnectsTotal.Inc()
	}
}

// ObserveScopeSwitch counts a console scope change.
func ObserveScopeSwitch() {
	Init()
	consoleSwitchesTotal.Inc()
}

// ObserveFleetAPICall records the outcome of a fleet API operation.
func ObserveFleetAPICall(operation string, err error) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	fleetAPIRequestsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
