package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
	"github.com/JakeFAU/botfleet-console/internal/console"
	"github.com/JakeFAU/botfleet-console/internal/fleetapi"
	"github.com/JakeFAU/botfleet-console/internal/metrics"
)

const (
	requestTimeout = 60 * time.Second
	fleetTimeout   = 15 * time.Second
)

// ConsoleManager is the slice of console.Manager the handlers need.
type ConsoleManager interface {
	Active() *console.Console
	Switch(ctx context.Context, scope botlog.Scope) (*console.Console, error)
}

// FleetClient is the slice of fleetapi.Client the handlers need.
type FleetClient interface {
	ListBots(ctx context.Context) ([]fleetapi.Bot, error)
	CreateBot(ctx context.Context, req fleetapi.CreateBotRequest) (fleetapi.Bot, error)
	RunBot(ctx context.Context, id int64) (string, error)
	Analytics(ctx context.Context, kind fleetapi.AnalyticsKind) (json.RawMessage, error)
}

// RequestIDs issues request correlation IDs.
type RequestIDs interface {
	RequestID() string
}

// Server wires HTTP handlers to the console manager and the fleet API.
type Server struct {
	router   chi.Router
	consoles ConsoleManager
	fleet    FleetClient
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. fleet may be nil,
// in which case the fleet routes answer 503.
func NewServer(consoles ConsoleManager, fleet FleetClient, ids RequestIDs, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		consoles: consoles,
		fleet:    fleet,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(ids))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(tracingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/console", func(r chi.Router) {
			r.Get("/", s.getSnapshot)
			r.Get("/logs", s.getLogs)
			r.Get("/stats", s.getStats)
			r.Get("/progress", s.getProgress)
			r.Post("/connect", s.connect)
			r.Post("/disconnect", s.disconnect)
			r.Post("/clear", s.clearLogs)
			r.Put("/scope", s.switchScope)
		})
		r.Route("/bots", func(r chi.Router) {
			r.Get("/", s.listBots)
			r.Post("/", s.createBot)
			r.Post("/{bot_id}/run", s.runBot)
		})
		r.Get("/analytics/{kind}", s.getAnalytics)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	active := s.consoles.Active()
	if active == nil {
		writeError(w, http.StatusServiceUnavailable, "no active console")
		return
	}
	st := active.Status()
	if !st.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": st.State.String(),
			"error":  st.ErrorMessage(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
