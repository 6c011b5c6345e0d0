// Package config loads and validates console configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/aggregator"
	"github.com/JakeFAU/botfleet-console/internal/botlog"
	"github.com/JakeFAU/botfleet-console/internal/hubclient"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Hub     HubConfig     `mapstructure:"hub"`
	Console ConsoleConfig `mapstructure:"console"`
	API     APIConfig     `mapstructure:"api"`
	Sinks   SinksConfig   `mapstructure:"sinks"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// HubConfig describes the streaming hub connection.
type HubConfig struct {
	URL                     string   `mapstructure:"url"`
	Transports              []string `mapstructure:"transports"`
	SkipNegotiation         bool     `mapstructure:"skip_negotiation"`
	HandshakeTimeoutSeconds int      `mapstructure:"handshake_timeout_seconds"`
	KeepAliveSeconds        int      `mapstructure:"keepalive_seconds"`
	ServerTimeoutSeconds    int      `mapstructure:"server_timeout_seconds"`
	SubscribeTimeoutSeconds int      `mapstructure:"subscribe_timeout_seconds"`
	ReconnectDelaysMs       []int    `mapstructure:"reconnect_delays_ms"`
}

// ConsoleConfig sets up the log console.
type ConsoleConfig struct {
	Capacity int `mapstructure:"capacity"`
	// BotID selects the initial scope; 0 watches every bot.
	BotID       int64 `mapstructure:"bot_id"`
	AutoConnect bool  `mapstructure:"auto_connect"`
}

// APIConfig points at the fleet REST API.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SinksConfig toggles the observers fed beside the aggregator.
type SinksConfig struct {
	LogRecords bool `mapstructure:"log_records"`
	Prometheus bool `mapstructure:"prometheus"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOTCONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("hub.url", "http://localhost:5000/hubs/botlogs")
	v.SetDefault("hub.transports", []string{"WebSockets", "ServerSentEvents", "LongPolling"})
	v.SetDefault("hub.skip_negotiation", false)
	v.SetDefault("hub.handshake_timeout_seconds", 15)
	v.SetDefault("hub.keepalive_seconds", 15)
	v.SetDefault("hub.server_timeout_seconds", 30)
	v.SetDefault("hub.subscribe_timeout_seconds", 10)
	v.SetDefault("hub.reconnect_delays_ms", []int{0, 2000, 10000, 30000})
	v.SetDefault("console.capacity", 200)
	v.SetDefault("console.bot_id", 0)
	v.SetDefault("console.auto_connect", true)
	v.SetDefault("api.base_url", "http://localhost:5000")
	v.SetDefault("api.timeout_seconds", 15)
	v.SetDefault("sinks.log_records", false)
	v.SetDefault("sinks.prometheus", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "botconsole")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if err := validateURL("hub.url", c.Hub.URL, "http", "https", "ws", "wss"); err != nil {
		return err
	}
	if _, err := c.Hub.TransportTypes(); err != nil {
		return err
	}
	if c.Hub.HandshakeTimeoutSeconds <= 0 {
		return errors.New("hub.handshake_timeout_seconds must be > 0")
	}
	if c.Hub.KeepAliveSeconds <= 0 {
		return errors.New("hub.keepalive_seconds must be > 0")
	}
	if c.Hub.ServerTimeoutSeconds <= c.Hub.KeepAliveSeconds {
		return errors.New("hub.server_timeout_seconds must exceed hub.keepalive_seconds")
	}
	if c.Hub.SubscribeTimeoutSeconds <= 0 {
		return errors.New("hub.subscribe_timeout_seconds must be > 0")
	}
	for _, d := range c.Hub.ReconnectDelaysMs {
		if d < 0 {
			return errors.New("hub.reconnect_delays_ms must not contain negative delays")
		}
	}
	if c.Console.Capacity <= 0 {
		return errors.New("console.capacity must be > 0")
	}
	if c.Console.Capacity > aggregator.MaxCapacity {
		return fmt.Errorf("console.capacity must be <= %d", aggregator.MaxCapacity)
	}
	if c.Console.BotID < 0 {
		return errors.New("console.bot_id must be >= 0")
	}
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.API.TimeoutSeconds <= 0 {
		return errors.New("api.timeout_seconds must be > 0")
	}
	if c.Tracing.Enabled && c.Tracing.ServiceName == "" {
		return errors.New("tracing.service_name must be set when tracing is enabled")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s must be set", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s url", key, strings.Join(schemes, "/"))
}

// TransportTypes parses the configured transports, keeping their order.
func (h HubConfig) TransportTypes() ([]hubclient.TransportType, error) {
	out := make([]hubclient.TransportType, 0, len(h.Transports))
	for _, raw := range h.Transports {
		tt, err := hubclient.ParseTransport(raw)
		if err != nil {
			return nil, fmt.Errorf("hub.transports: %w", err)
		}
		out = append(out, tt)
	}
	return out, nil
}

// ReconnectPolicy converts the configured delays into a retry policy. An
// empty list disables automatic reconnects.
func (h HubConfig) ReconnectPolicy() hubclient.FixedDelays {
	delays := make(hubclient.FixedDelays, 0, len(h.ReconnectDelaysMs))
	for _, ms := range h.ReconnectDelaysMs {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	return delays
}

// SubscribeTimeout bounds every SubscribeToBot call, on connect and after a reconnect.
func (h HubConfig) SubscribeTimeout() time.Duration {
	return time.Duration(h.SubscribeTimeoutSeconds) * time.Second
}

// Options builds hub client options. The config is assumed validated.
func (h HubConfig) Options(logger *zap.Logger) hubclient.Options {
	transports, _ := h.TransportTypes() //nolint:errcheck // checked by Validate
	return hubclient.Options{
		Transports:        transports,
		SkipNegotiation:   h.SkipNegotiation,
		HandshakeTimeout:  time.Duration(h.HandshakeTimeoutSeconds) * time.Second,
		KeepAliveInterval: time.Duration(h.KeepAliveSeconds) * time.Second,
		ServerTimeout:     time.Duration(h.ServerTimeoutSeconds) * time.Second,
		Reconnect:         h.ReconnectPolicy(),
		Logger:            logger,
	}
}

// Scope returns the initial console scope.
func (c ConsoleConfig) Scope() botlog.Scope {
	if c.BotID == 0 {
		return botlog.All()
	}
	return botlog.Single(c.BotID)
}

// Timeout returns the fleet API request timeout.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}
