// Package server builds the console service's dependencies and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/api"
	"github.com/JakeFAU/botfleet-console/internal/config"
	"github.com/JakeFAU/botfleet-console/internal/console"
	"github.com/JakeFAU/botfleet-console/internal/fleetapi"
	"github.com/JakeFAU/botfleet-console/internal/hubclient"
	"github.com/JakeFAU/botfleet-console/internal/id/uuid"
	"github.com/JakeFAU/botfleet-console/internal/metrics"
	"github.com/JakeFAU/botfleet-console/internal/session"
	"github.com/JakeFAU/botfleet-console/internal/sinks"
	"github.com/JakeFAU/botfleet-console/internal/telemetry"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	manager        *console.Manager
	sinkHub        *sinks.Hub
	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields; hub and api URLs may carry credentials.
	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Scope      string `json:"scope"`
		Capacity   int    `json:"capacity"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Scope:      cfg.Console.Scope().String(),
		Capacity:   cfg.Console.Capacity,
	}))
	return &App{cfg: cfg, logger: logger}
}

// Manager exposes the console manager, mainly for tests.
func (a *App) Manager() *console.Manager {
	return a.manager
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Build creates the application's dependencies. Nothing connects until Run.
func Build(ctx context.Context, cfg config.Config, version string, logger *zap.Logger) (*App, error) {
	app := NewApp(cfg, logger)

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, version)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}
	metrics.Init()

	extra, err := setupSinks(ctx, app)
	if err != nil {
		return nil, err
	}

	dialer := hubclient.NewDialer(cfg.Hub.URL, cfg.Hub.Options(app.logger.Named("hub")))
	app.manager = console.NewManager(ConsoleConfig(cfg), dialer, app.logger.Named("console"), extra...)

	fleet, err := fleetapi.New(cfg.API.BaseURL, fleetapi.Options{
		Timeout: cfg.API.Timeout(),
		Logger:  app.logger.Named("fleetapi"),
	})
	if err != nil {
		return nil, fmt.Errorf("fleet api client init failed: %w", err)
	}
	app.apiServer = api.NewServer(app.manager, fleet, uuid.New(), app.logger.Named("api"))

	return app, nil
}

// ConsoleConfig maps the loaded configuration onto console settings.
func ConsoleConfig(cfg config.Config) console.Config {
	return console.Config{
		Capacity:         cfg.Console.Capacity,
		AutoConnect:      cfg.Console.AutoConnect,
		SubscribeTimeout: cfg.Hub.SubscribeTimeout(),
		IDs:              uuid.New(),
		Observers:        []session.Observer{metrics.ObserveSessionTransition},
	}
}

func setupSinks(ctx context.Context, app *App) ([]session.EventSink, error) {
	var sinkList []sinks.BatchSink
	if app.cfg.Sinks.LogRecords {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("bot")))
		app.logger.Debug("added log record sink")
	}
	if app.cfg.Sinks.Prometheus {
		promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("added prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Info("no extra sinks configured")
		return nil, nil
	}
	hubCfg := sinks.Config{
		BaseContext: ctx,
		Logger:      app.logger.Named("sink_hub"),
	}
	app.sinkHub = sinks.NewHub(hubCfg, sinkList...)
	app.logger.Info("sink hub initialized", zap.Int("sinks", len(sinkList)))
	return []session.EventSink{app.sinkHub}, nil
}

// Run opens the configured scope, serves HTTP and blocks until ctx is canceled
// or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.openInitialScope(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

func (a *App) openInitialScope(ctx context.Context) {
	scope := a.cfg.Console.Scope()
	c, err := a.manager.Switch(ctx, scope)
	switch {
	case errors.Is(err, console.ErrClosed):
	case err != nil && c == nil:
		a.logger.Error("console init failed", zap.Error(err))
	case err != nil:
		a.logger.Warn("initial connect failed; retry via POST /api/console/connect",
			zap.Stringer("scope", scope),
			zap.Error(err))
	default:
		a.logger.Info("console ready", zap.Stringer("scope", scope), zap.String("console_id", c.ID()))
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Close(ctx); err != nil {
			a.logger.Warn("console manager close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.sinkHub != nil {
		if err := a.sinkHub.Close(ctx); err != nil {
			a.logger.Warn("sink hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stdout/stderr on some platforms; nothing to act on.
	_ = a.logger.Sync() //nolint:errcheck // see above
}
