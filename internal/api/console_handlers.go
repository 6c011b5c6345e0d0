package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
	"github.com/JakeFAU/botfleet-console/internal/console"
	"github.com/JakeFAU/botfleet-console/internal/session"
)

type scopeRequest struct {
	BotID *int64 `json:"bot_id"`
}

type logsResponse struct {
	Logs     []botlog.LogRecord `json:"logs"`
	Total    int                `json:"total"`
	Capacity int                `json:"capacity"`
}

// active writes a 503 and returns nil when no console exists yet.
func (s *Server) active(w http.ResponseWriter) *console.Console {
	c := s.consoles.Active()
	if c == nil {
		writeError(w, http.StatusServiceUnavailable, "no active console")
	}
	return c
}

// getSnapshot handles GET /api/console.
func (s *Server) getSnapshot(w http.ResponseWriter, _ *http.Request) {
	c := s.active(w)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// getLogs handles GET /api/console/logs?limit=. Without a limit every
// buffered record is returned; with one, only the newest limit records.
func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	c := s.active(w)
	if c == nil {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs := c.Logs()
	total := len(logs)
	if limit > 0 && limit < len(logs) {
		logs = logs[len(logs)-limit:]
	}
	writeJSON(w, http.StatusOK, logsResponse{
		Logs:     logs,
		Total:    total,
		Capacity: c.Snapshot().Capacity,
	})
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	c := s.active(w)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, c.Stats())
}

func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	c := s.active(w)
	if c == nil {
		return
	}
	p, ok := c.Progress()
	if !ok {
		writeError(w, http.StatusNotFound, "no progress received")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// connect handles POST /api/console/connect. 409 when the session is busy,
// 502 when the hub refuses; the snapshot carries the error either way.
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	c := s.active(w)
	if c == nil {
		return
	}
	if err := c.Connect(r.Context()); err != nil {
		s.logger.Warn("console connect failed",
			zap.String("console_id", c.ID()),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeJSON(w, connectStatus(err), errorWithSnapshot(err, c))
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	c := s.active(w)
	if c == nil {
		return
	}
	if err := c.Disconnect(r.Context()); err != nil {
		s.logger.Warn("console disconnect failed", zap.String("console_id", c.ID()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorWithSnapshot(err, c))
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) clearLogs(w http.ResponseWriter, _ *http.Request) {
	c := s.active(w)
	if c == nil {
		return
	}
	c.ClearLogs()
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// switchScope handles PUT /api/console/scope with {"bot_id": n} or
// {"bot_id": null} for the whole fleet.
func (s *Server) switchScope(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.BotID != nil && *req.BotID < 0 {
		writeError(w, http.StatusBadRequest, "bot_id must be >= 0")
		return
	}
	scope := botlog.ScopeFromPtr(req.BotID)
	c, err := s.consoles.Switch(r.Context(), scope)
	if err != nil {
		if c == nil {
			status := http.StatusInternalServerError
			if errors.Is(err, console.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, connectStatus(err), errorWithSnapshot(err, c))
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func connectStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrConnectCanceled), errors.Is(err, context.Canceled):
		return http.StatusConflict
	case isTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func errorWithSnapshot(err error, c *console.Console) map[string]any {
	return map[string]any{
		"error":   err.Error(),
		"console": c.Snapshot(),
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}
