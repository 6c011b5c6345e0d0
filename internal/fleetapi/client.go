// Package fleetapi is a small client for the bot-fleet REST API: listing,
// creating and running bots, and fetching the analytics documents the
// dashboards render.
package fleetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/metrics"
	"github.com/JakeFAU/botfleet-console/internal/telemetry"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
)

// Known bot sources accepted by CreateBot.
var Sources = []string{"portalinmobiliario", "yapo", "toctoc", "mercadolibre", "goplaceit", "icasas", "otro"}

// AnalyticsKind names an analytics document.
type AnalyticsKind string

// Analytics documents served by the API.
const (
	AnalyticsMarket  AnalyticsKind = "market"
	AnalyticsTrends  AnalyticsKind = "trends"
	AnalyticsCompare AnalyticsKind = "compare"
)

// ErrUnknownAnalytics is returned for kinds other than market, trends and compare.
var ErrUnknownAnalytics = errors.New("unknown analytics kind")

// ParseAnalyticsKind validates s.
func ParseAnalyticsKind(s string) (AnalyticsKind, error) {
	switch k := AnalyticsKind(strings.ToLower(strings.TrimSpace(s))); k {
	case AnalyticsMarket, AnalyticsTrends, AnalyticsCompare:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAnalytics, s)
	}
}

// Bot is a configured scraping bot.
type Bot struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Source    string `json:"source,omitempty"`
	URL       string `json:"url"`
	IsActive  bool   `json:"isActive"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// CreateBotRequest is the body of a create call.
type CreateBotRequest struct {
	Name     string `json:"name" validate:"required,min=3"`
	Source   string `json:"source" validate:"required,oneof=portalinmobiliario yapo toctoc mercadolibre goplaceit icasas otro"`
	URL      string `json:"url" validate:"required,url"`
	IsActive bool   `json:"isActive"`
}

// HTTPError is a non-2xx answer from the API.
type HTTPError struct {
	Status int
	// Message is the API's "message" field when the body carried one.
	Message string
	Body    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("fleet api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("fleet api: status %d", e.Status)
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the fleet API rooted at a base URL.
type Client struct {
	base     *url.URL
	http     *http.Client
	logger   *zap.Logger
	validate *validator.Validate
}

// New builds a Client for baseURL (for example http://localhost:5000).
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse fleet api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fleet api url must be http or https, got %q", baseURL)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:     u,
		http:     client,
		logger:   logger,
		validate: newValidator(),
	}, nil
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ListBots returns every configured bot.
func (c *Client) ListBots(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	if err := c.do(ctx, "list_bots", http.MethodGet, "/api/bots", nil, &bots); err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	return bots, nil
}

// Validate checks a create request without sending it.
func (c *Client) Validate(req CreateBotRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.URL = strings.TrimSpace(req.URL)
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid bot: %w", err)
	}
	return nil
}

// CreateBot validates and submits req, returning the created bot.
func (c *Client) CreateBot(ctx context.Context, req CreateBotRequest) (Bot, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.URL = strings.TrimSpace(req.URL)
	if err := c.Validate(req); err != nil {
		return Bot{}, err
	}
	var bot Bot
	if err := c.do(ctx, "create_bot", http.MethodPost, "/api/bots", req, &bot); err != nil {
		return Bot{}, fmt.Errorf("create bot: %w", err)
	}
	c.logger.Info("bot created", zap.Int64("bot_id", bot.ID), zap.String("name", bot.Name))
	return bot, nil
}

// RunBot starts a bot run and returns the API's confirmation message.
func (c *Client) RunBot(ctx context.Context, id int64) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	path := "/api/bots/" + strconv.FormatInt(id, 10) + "/run"
	if err := c.do(ctx, "run_bot", http.MethodPost, path, nil, &resp); err != nil {
		return "", fmt.Errorf("run bot %d: %w", id, err)
	}
	c.logger.Info("bot run requested", zap.Int64("bot_id", id))
	return resp.Message, nil
}

// Analytics fetches an analytics document verbatim.
func (c *Client) Analytics(ctx context.Context, kind AnalyticsKind) (json.RawMessage, error) {
	if _, err := ParseAnalyticsKind(string(kind)); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, "analytics_"+string(kind), http.MethodGet, "/api/analytics/"+string(kind), nil, &raw); err != nil {
		return nil, fmt.Errorf("analytics %s: %w", kind, err)
	}
	return raw, nil
}

// do runs one traced, metered API call.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "fleetapi."+op,
		attribute.String("http.method", method),
		attribute.String("http.route", path))
	defer func() {
		metrics.ObserveFleetAPICall(op, err)
		telemetry.EndSpan(span, err)
	}()
	return c.roundTrip(ctx, method, path, in, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	target := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("fleet api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			httpErr.Message = payload.Message
		}
		return httpErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
