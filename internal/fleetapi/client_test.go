package fleetapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(srv.URL, Options{})
	require.NoError(t, err)
	return client
}

func TestListBots(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/bots", r.URL.Path)
		_, _ = io.WriteString(w, `[{"id":1,"name":"Yapo Santiago","source":"yapo","url":"https://yapo.cl","isActive":true,"createdAt":"2024-05-01T10:00:00"}]`)
	})

	bots, err := client.ListBots(context.Background())
	require.NoError(t, err)
	require.Len(t, bots, 1)
	require.Equal(t, int64(1), bots[0].ID)
	require.Equal(t, "Yapo Santiago", bots[0].Name)
	require.True(t, bots[0].IsActive)
}

func TestCreateBotSendsTrimmedBody(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req CreateBotRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "TocToc centro", req.Name)
		require.Equal(t, "https://toctoc.com", req.URL)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":9,"name":"TocToc centro","url":"https://toctoc.com","isActive":true}`)
	})

	bot, err := client.CreateBot(context.Background(), CreateBotRequest{
		Name:     "  TocToc centro ",
		Source:   "toctoc",
		URL:      " https://toctoc.com ",
		IsActive: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(9), bot.ID)
}

func TestCreateBotValidation(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("invalid requests must not reach the API")
	})

	cases := map[string]CreateBotRequest{
		"short name":     {Name: "ab", Source: "yapo", URL: "https://yapo.cl"},
		"blank name":     {Name: "   ", Source: "yapo", URL: "https://yapo.cl"},
		"unknown source": {Name: "valid", Source: "craigslist", URL: "https://yapo.cl"},
		"missing source": {Name: "valid", URL: "https://yapo.cl"},
		"bad url":        {Name: "valid", Source: "otro", URL: "not a url"},
	}
	for name, req := range cases {
		_, err := client.CreateBot(context.Background(), req)
		require.Error(t, err, name)
		var verrs validator.ValidationErrors
		require.True(t, errors.As(err, &verrs), name)
	}
}

func TestRunBotReturnsMessage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/bots/42/run", r.URL.Path)
		_, _ = io.WriteString(w, `{"message":"Bot 42 started"}`)
	})

	msg, err := client.RunBot(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "Bot 42 started", msg)
}

func TestRunBotSurfacesAPIMessage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"message":"Bot already running"}`)
	})

	_, err := client.RunBot(context.Background(), 1)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusConflict, httpErr.Status)
	require.Equal(t, "Bot already running", httpErr.Message)
	require.Contains(t, err.Error(), "Bot already running")
}

func TestAnalyticsPassesDocumentThrough(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/analytics/trends", r.URL.Path)
		_, _ = io.WriteString(w, `{"series":[1,2,3]}`)
	})

	doc, err := client.Analytics(context.Background(), AnalyticsTrends)
	require.NoError(t, err)
	require.JSONEq(t, `{"series":[1,2,3]}`, string(doc))

	_, err = client.Analytics(context.Background(), "revenue")
	require.ErrorIs(t, err, ErrUnknownAnalytics)
}

func TestHTTPErrorWithoutMessage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.ListBots(context.Background())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, "boom", httpErr.Body)
	require.Empty(t, httpErr.Message)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New("ftp://example.com", Options{})
	require.Error(t, err)
	_, err = New("://nope", Options{})
	require.Error(t, err)
}

func TestParseAnalyticsKind(t *testing.T) {
	t.Parallel()

	kind, err := ParseAnalyticsKind(" Market ")
	require.NoError(t, err)
	require.Equal(t, AnalyticsMarket, kind)
	_, err = ParseAnalyticsKind("")
	require.ErrorIs(t, err, ErrUnknownAnalytics)
}
