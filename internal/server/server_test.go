package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
	"github.com/JakeFAU/botfleet-console/internal/config"
	"github.com/JakeFAU/botfleet-console/internal/hubclient/hubtest"
	"github.com/JakeFAU/botfleet-console/internal/session"
)

func testConfig(hubURL string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 0},
		Hub: config.HubConfig{
			URL:                     hubURL,
			Transports:              []string{"WebSockets", "LongPolling"},
			HandshakeTimeoutSeconds: 5,
			KeepAliveSeconds:        5,
			ServerTimeoutSeconds:    30,
			SubscribeTimeoutSeconds: 5,
			ReconnectDelaysMs:       []int{0, 50},
		},
		Console: config.ConsoleConfig{Capacity: 20, BotID: 3, AutoConnect: true},
		API:     config.APIConfig{BaseURL: "http://localhost:5000", TimeoutSeconds: 1},
		Sinks:   config.SinksConfig{LogRecords: true, Prometheus: true},
	}
}

func TestBuildWiresConsoleAndSinks(t *testing.T) {
	t.Parallel()

	hub := hubtest.New(t)
	core, logs := observer.New(zap.DebugLevel)
	app, err := Build(context.Background(), testConfig(hub.URL()), "test", zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	require.NotNil(t, app.sinkHub)

	c, err := app.Manager().Switch(context.Background(), botlog.Single(3))
	require.NoError(t, err)
	require.True(t, c.Status().Connected())

	_, err = hub.Push(session.MethodReceiveLog, map[string]any{
		"botId": 3, "botName": "yapo", "level": "Error", "message": "captcha wall",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.Logs()) == 1 && logs.FilterMessage("captcha wall").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/console/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"total":1,"errors":1,"warnings":0,"successes":0}`, rec.Body.String())
}

func TestBuildWithoutExtraSinks(t *testing.T) {
	t.Parallel()

	cfg := testConfig(hubtest.New(t).URL())
	cfg.Sinks = config.SinksConfig{}
	app, err := Build(context.Background(), cfg, "test", nil)
	require.NoError(t, err)
	require.Nil(t, app.sinkHub)
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildRejectsBadAPIURL(t *testing.T) {
	t.Parallel()

	cfg := testConfig(hubtest.New(t).URL())
	cfg.API.BaseURL = "ftp://fleet"
	_, err := Build(context.Background(), cfg, "test", nil)
	require.Error(t, err)
}

func TestRunOpensInitialScopeAndStops(t *testing.T) {
	t.Parallel()

	hub := hubtest.New(t)
	app, err := Build(context.Background(), testConfig(hub.URL()), "test", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		c := app.Manager().Active()
		return c != nil && c.Status().Connected()
	}, 5*time.Second, 10*time.Millisecond)
	subs := hub.InvocationsOf(session.MethodSubscribe)
	require.Len(t, subs, 1)
	require.JSONEq(t, "3", string(subs[0].Args[0]))

	active := app.Manager().Active()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, session.StateDisconnected, active.Status().State)
}
