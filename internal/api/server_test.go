package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
	"github.com/JakeFAU/botfleet-console/internal/console"
	"github.com/JakeFAU/botfleet-console/internal/fleetapi"
	"github.com/JakeFAU/botfleet-console/internal/hubclient"
	"github.com/JakeFAU/botfleet-console/internal/hubclient/hubtest"
	idgen "github.com/JakeFAU/botfleet-console/internal/id/uuid"
	"github.com/JakeFAU/botfleet-console/internal/session"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type fixedRequestID string

func (f fixedRequestID) RequestID() string { return string(f) }

type fakeFleet struct {
	mu        sync.Mutex
	bots      []fleetapi.Bot
	err       error
	ran       []int64
	analytics json.RawMessage
	validator *fleetapi.Client
}

func (f *fakeFleet) ListBots(context.Context) ([]fleetapi.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bots, f.err
}

func (f *fakeFleet) CreateBot(_ context.Context, req fleetapi.CreateBotRequest) (fleetapi.Bot, error) {
	if err := f.validator.Validate(req); err != nil {
		return fleetapi.Bot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return fleetapi.Bot{}, f.err
	}
	bot := fleetapi.Bot{ID: int64(len(f.bots) + 1), Name: req.Name, Source: req.Source, URL: req.URL}
	f.bots = append(f.bots, bot)
	return bot, nil
}

func (f *fakeFleet) RunBot(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.ran = append(f.ran, id)
	return "Bot execution started", nil
}

func (f *fakeFleet) Analytics(context.Context, fleetapi.AnalyticsKind) (json.RawMessage, error) {
	return f.analytics, f.err
}

func newFakeFleet(t *testing.T) *fakeFleet {
	t.Helper()
	client, err := fleetapi.New("http://fleet.invalid", fleetapi.Options{})
	require.NoError(t, err)
	return &fakeFleet{validator: client}
}

func newManager(t *testing.T, hub *hubtest.Server, autoConnect bool) *console.Manager {
	t.Helper()
	dialer := hubclient.NewDialer(hub.URL(), hubclient.Options{
		Reconnect: hubclient.FixedDelays{0, 20 * time.Millisecond},
	})
	mgr := console.NewManager(console.Config{
		Capacity:    10,
		AutoConnect: autoConnect,
		StopTimeout: time.Second,
		IDs:         idgen.New(),
	}, dialer, zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr
}

func newTestServer(t *testing.T, mgr ConsoleManager, fleet FleetClient) *Server {
	t.Helper()
	return NewServer(mgr, fleet, fixedRequestID("req-1"), zap.NewNop())
}

func do(t *testing.T, s *Server, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func logPayload(botID int64, level botlog.Level, msg string) map[string]any {
	return map[string]any{
		"botId":     botID,
		"botName":   "bot",
		"level":     string(level),
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newManager(t, hubtest.New(t), false), nil)
	rec := do(t, s, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get(requestIDHeader))
}

func TestServer_RequestIDPassthrough(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newManager(t, hubtest.New(t), false), nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "upstream-7")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, "upstream-7", rec.Header().Get(requestIDHeader))
}

func TestServer_ReadyzFollowsConnection(t *testing.T) {
	t.Parallel()

	hub := hubtest.New(t)
	mgr := newManager(t, hub, false)
	s := newTestServer(t, mgr, nil)

	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/readyz", "").Code)

	_, err := mgr.Switch(context.Background(), botlog.All())
	require.NoError(t, err)
	rec := do(t, s, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "disconnected")

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/console/connect", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz", "").Code)
}

func TestServer_ConsoleRoutesWithoutConsole(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newManager(t, hubtest.New(t), false), nil)
	for _, path := range []string{"/api/console", "/api/console/logs", "/api/console/stats", "/api/console/progress"} {
		rec := do(t, s, http.MethodGet, path, "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestServer_ConsoleLifecycle(t *testing.T) {
	t.Parallel()

	hub := hubtest.New(t)
	mgr := newManager(t, hub, true)
	s := newTestServer(t, mgr, nil)

	rec := do(t, s, http.MethodPut, "/api/console/scope", `{"bot_id": 4}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[console.Snapshot](t, rec)
	require.True(t, snap.Connected)
	require.NotNil(t, snap.BotID)
	require.EqualValues(t, 4, *snap.BotID)

	for i, msg := range []string{"one", "two", "three"} {
		level := botlog.LevelInfo
		if i == 2 {
			level = botlog.LevelError
		}
		_, err := hub.Push(session.MethodReceiveLog, logPayload(4, level, msg))
		require.NoError(t, err)
	}
	_, err := hub.Push(session.MethodReceiveLog, logPayload(5, botlog.LevelInfo, "other bot"))
	require.NoError(t, err)
	_, err = hub.Push(session.MethodReceiveProgress, map[string]any{
		"botId": 4, "botName": "bot", "current": 3, "total": 4, "percentage": 75.0,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := mgr.Active().Progress()
		return len(mgr.Active().Logs()) == 3 && ok
	}, waitFor, tick)

	logs := decode[logsResponse](t, do(t, s, http.MethodGet, "/api/console/logs?limit=2", ""))
	require.Equal(t, 3, logs.Total)
	require.Equal(t, 10, logs.Capacity)
	require.Len(t, logs.Logs, 2)
	require.Equal(t, "two", logs.Logs[0].Message)
	require.Equal(t, "three", logs.Logs[1].Message)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/console/logs?limit=zero", "").Code)

	stats := decode[map[string]int](t, do(t, s, http.MethodGet, "/api/console/stats", ""))
	require.Equal(t, 3, stats["total"])
	require.Equal(t, 1, stats["errors"])

	progress := decode[botlog.ProgressRecord](t, do(t, s, http.MethodGet, "/api/console/progress", ""))
	require.InDelta(t, 75.0, progress.Percentage, 0.001)

	cleared := decode[console.Snapshot](t, do(t, s, http.MethodPost, "/api/console/clear", ""))
	require.Empty(t, cleared.Logs)
	require.True(t, cleared.Connected)

	disc := decode[console.Snapshot](t, do(t, s, http.MethodPost, "/api/console/disconnect", ""))
	require.Equal(t, session.StateDisconnected.String(), disc.State)
	require.Nil(t, disc.Progress)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/console/progress", "").Code)
}

func TestServer_SwitchScopeToFleet(t *testing.T) {
	t.Parallel()

	hub := hubtest.New(t)
	mgr := newManager(t, hub, true)
	s := newTestServer(t, mgr, nil)

	first := decode[console.Snapshot](t, do(t, s, http.MethodPut, "/api/console/scope", `{"bot_id": 1}`))
	second := decode[console.Snapshot](t, do(t, s, http.MethodPut, "/api/console/scope", `{"bot_id": null}`))

	require.NotEqual(t, first.ID, second.ID)
	require.Nil(t, second.BotID)
	require.Equal(t, botlog.All().String(), second.Scope)

	subs := hub.InvocationsOf(session.MethodSubscribe)
	require.Len(t, subs, 2)
	require.JSONEq(t, "null", string(subs[1].Args[0]))
}

func TestServer_SwitchScopeRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newManager(t, hubtest.New(t), false), nil)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/api/console/scope", "{bad").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/api/console/scope", `{"bot_id": -1}`).Code)
}

func TestServer_SwitchScopeConnectFailure(t *testing.T) {
	t.Parallel()

	hub := hubtest.New(t)
	hub.RejectConnections(true)
	s := newTestServer(t, newManager(t, hub, true), nil)

	rec := do(t, s, http.MethodPut, "/api/console/scope", `{"bot_id": 2}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body struct {
		Error   string           `json:"error"`
		Console console.Snapshot `json:"console"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Error)
	require.Equal(t, session.StateDisconnected.String(), body.Console.State)
	require.NotEmpty(t, body.Console.Error)
}

func TestServer_ListBots(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet(t)
	fleet.bots = []fleetapi.Bot{{ID: 1, Name: "yapo-stgo", Source: "yapo", IsActive: true}}
	s := newTestServer(t, newManager(t, hubtest.New(t), false), fleet)

	rec := do(t, s, http.MethodGet, "/api/bots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[struct {
		Bots []fleetapi.Bot `json:"bots"`
	}](t, rec)
	require.Len(t, payload.Bots, 1)
	require.Equal(t, "yapo-stgo", payload.Bots[0].Name)
}

func TestServer_FleetRoutesWithoutClient(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newManager(t, hubtest.New(t), false), nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/bots", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/analytics/market", "").Code)
}

func TestServer_CreateBotValidation(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet(t)
	s := newTestServer(t, newManager(t, hubtest.New(t), false), fleet)

	rec := do(t, s, http.MethodPost, "/api/bots", `{"name":"ab","source":"craigslist","url":"nope"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decode[struct {
		Fields map[string]string `json:"fields"`
	}](t, rec)
	require.Equal(t, "min", payload.Fields["name"])
	require.Equal(t, "oneof", payload.Fields["source"])
	require.Equal(t, "url", payload.Fields["url"])

	rec = do(t, s, http.MethodPost, "/api/bots", `{"name":"toctoc-rm","source":"toctoc","url":"https://toctoc.com/arriendo"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), "toctoc-rm")
}

func TestServer_RunBot(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet(t)
	s := newTestServer(t, newManager(t, hubtest.New(t), false), fleet)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/bots/abc/run", "").Code)

	rec := do(t, s, http.MethodPost, "/api/bots/9/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "Bot execution started")
	require.Equal(t, []int64{9}, fleet.ran)
}

func TestServer_FleetErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "upstream not found", err: &fleetapi.HTTPError{Status: http.StatusNotFound, Message: "Bot not found"}, want: http.StatusNotFound},
		{name: "upstream failure", err: &fleetapi.HTTPError{Status: http.StatusInternalServerError}, want: http.StatusBadGateway},
		{name: "timeout", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "transport", err: errors.New("connection refused"), want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fleet := newFakeFleet(t)
			fleet.err = tt.err
			s := newTestServer(t, newManager(t, hubtest.New(t), false), fleet)
			rec := do(t, s, http.MethodPost, "/api/bots/3/run", "")
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_Analytics(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet(t)
	fleet.analytics = json.RawMessage(`{"averagePrice":1200}`)
	s := newTestServer(t, newManager(t, hubtest.New(t), false), fleet)

	rec := do(t, s, http.MethodGet, "/api/analytics/market", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"averagePrice":1200}`, rec.Body.String())

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/analytics/weather", "").Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newManager(t, hubtest.New(t), false), nil)
	do(t, s, http.MethodGet, "/healthz", "")
	rec := do(t, s, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, panicManager{}, nil)
	rec := do(t, s, http.MethodGet, "/api/console", "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

type panicManager struct{}

func (panicManager) Active() *console.Console { panic("boom") }

func (panicManager) Switch(context.Context, botlog.Scope) (*console.Console, error) {
	return nil, errors.New("unused")
}
