package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/fleetapi"
)

// fleetReady writes a 503 when no fleet client is configured.
func (s *Server) fleetReady(w http.ResponseWriter) bool {
	if s.fleet == nil {
		writeError(w, http.StatusServiceUnavailable, "fleet api unavailable")
		return false
	}
	return true
}

// listBots handles GET /api/bots. It returns {"bots": [...]}.
func (s *Server) listBots(w http.ResponseWriter, r *http.Request) {
	if !s.fleetReady(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), fleetTimeout)
	defer cancel()

	bots, err := s.fleet.ListBots(ctx)
	if err != nil {
		s.fleetError(w, "list bots", err)
		return
	}
	if bots == nil {
		bots = []fleetapi.Bot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

// createBot handles POST /api/bots. Validation failures map to 400 with one
// message per offending field.
func (s *Server) createBot(w http.ResponseWriter, r *http.Request) {
	if !s.fleetReady(w) {
		return
	}
	var req fleetapi.CreateBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), fleetTimeout)
	defer cancel()

	bot, err := s.fleet.CreateBot(ctx, req)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "invalid bot",
				"fields": fields,
			})
			return
		}
		s.fleetError(w, "create bot", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bot": bot})
}

// runBot handles POST /api/bots/{bot_id}/run.
func (s *Server) runBot(w http.ResponseWriter, r *http.Request) {
	if !s.fleetReady(w) {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "bot_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid bot_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), fleetTimeout)
	defer cancel()

	msg, err := s.fleet.RunBot(ctx, id)
	if err != nil {
		s.fleetError(w, "run bot", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"bot_id": id, "message": msg})
}

// getAnalytics handles GET /api/analytics/{kind}; the document is passed
// through untouched.
func (s *Server) getAnalytics(w http.ResponseWriter, r *http.Request) {
	if !s.fleetReady(w) {
		return
	}
	kind, err := fleetapi.ParseAnalyticsKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), fleetTimeout)
	defer cancel()

	doc, err := s.fleet.Analytics(ctx, kind)
	if err != nil {
		s.fleetError(w, "analytics", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc); err != nil {
		s.logger.Error("write analytics failed", zap.Error(err))
	}
}

// fleetError maps upstream failures: API status errors pass through for 4xx
// and become 502 otherwise; timeouts become 504.
func (s *Server) fleetError(w http.ResponseWriter, op string, err error) {
	var httpErr *fleetapi.HTTPError
	switch {
	case errors.As(err, &httpErr) && httpErr.Status >= 400 && httpErr.Status < 500:
		writeError(w, httpErr.Status, httpErr.Error())
	case isTimeout(err):
		writeError(w, http.StatusGatewayTimeout, op+" timed out")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, op+" failed")
	}
}
