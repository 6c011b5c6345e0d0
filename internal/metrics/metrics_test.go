package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botfleet-console/internal/session"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := sessionTransitionsTotal
	Init()
	require.NotNil(t, first)
	require.Same(t, first, sessionTransitionsTotal)
}

func TestObserveSessionTransition(t *testing.T) {
	Init()
	before := testutil.ToFloat64(hubReconnectsTotal)

	ObserveSessionTransition(session.StateDisconnected, session.StateConnecting)
	ObserveSessionTransition(session.StateConnecting, session.StateConnected)
	ObserveSessionTransition(session.StateConnected, session.StateReconnecting)

	require.InDelta(t, before+1, testutil.ToFloat64(hubReconnectsTotal), 1e-9)
	require.GreaterOrEqual(t, testutil.ToFloat64(sessionTransitionsTotal.WithLabelValues("connecting", "connected")), 1.0)
	require.InDelta(t, 1.0, testutil.ToFloat64(sessionState.WithLabelValues("reconnecting")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sessionState.WithLabelValues("connected")), 1e-9)
}

func TestObserveScopeSwitch(t *testing.T) {
	Init()
	before := testutil.ToFloat64(consoleSwitchesTotal)

	ObserveScopeSwitch()
	ObserveScopeSwitch()

	require.InDelta(t, before+2, testutil.ToFloat64(consoleSwitchesTotal), 1e-9)
}

func TestObserveFleetAPICall(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(fleetAPIRequestsTotal.WithLabelValues("list_bots", "ok"))
	errBefore := testutil.ToFloat64(fleetAPIRequestsTotal.WithLabelValues("list_bots", "error"))

	ObserveFleetAPICall("list_bots", nil)
	ObserveFleetAPICall("list_bots", errors.New("boom"))

	require.InDelta(t, okBefore+1, testutil.ToFloat64(fleetAPIRequestsTotal.WithLabelValues("list_bots", "ok")), 1e-9)
	require.InDelta(t, errBefore+1, testutil.ToFloat64(fleetAPIRequestsTotal.WithLabelValues("list_bots", "error")), 1e-9)
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/probe/teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	teapotBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	for _, path := range []string{"/probe/ok", "/probe/teapot"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 1e-9)
	require.InDelta(t, teapotBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 1e-9)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
