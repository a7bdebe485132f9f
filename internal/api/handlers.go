// Package api provides HTTP handlers for FunnelPipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/models"
)

// saveFunnelRequest is the JSON payload for POST /save-funnel.
type saveFunnelRequest struct {
	Keyword string           `json:"keyword" validate:"required"`
	Steps   []saveFunnelStep `json:"steps" validate:"required,min=1,dive"`
}

type saveFunnelStep struct {
	Message      string `json:"message" validate:"required"`
	DelaySeconds int    `json:"delay_seconds" validate:"gte=0"`
}

// saveTemplateRequest is the JSON payload for POST /templates.
type saveTemplateRequest struct {
	Name string `json:"name" validate:"required"`
	Body string `json:"body" validate:"required"`
}

// saveFunnelHandler creates or replaces a funnel definition (POST /save-funnel).
func (s *Server) saveFunnelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.saveFunnelHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.saveFunnelHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req saveFunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.saveFunnelHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		slog.Warn("Server.saveFunnelHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	def := models.FunnelDefinition{
		Keyword: models.NormalizeKeyword(req.Keyword),
		Steps:   make([]models.Step, 0, len(req.Steps)),
	}
	for _, st := range req.Steps {
		def.Steps = append(def.Steps, models.Step{Message: st.Message, DelaySeconds: st.DelaySeconds})
	}
	if err := def.Validate(); err != nil {
		slog.Warn("Server.saveFunnelHandler: funnel validation failed", "error", err, "keyword", def.Keyword)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.st.SaveFunnel(def); err != nil {
		slog.Error("Server.saveFunnelHandler: failed to save funnel", "error", err, "keyword", def.Keyword)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save funnel"))
		return
	}

	slog.Info("Server.saveFunnelHandler: funnel saved", "keyword", def.Keyword, "steps", len(def.Steps))
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage(
		fmt.Sprintf("Funnel %q saved with %d steps", def.Keyword, len(def.Steps)), nil))
}

// funnelsHandler lists stored funnels as keyword -> step count (GET /funnels).
func (s *Server) funnelsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.funnelsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	funnels, err := s.st.ListFunnels()
	if err != nil {
		slog.Error("Server.funnelsHandler: failed to list funnels", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch funnels"))
		return
	}
	slog.Debug("Server.funnelsHandler: funnels fetched", "count", len(funnels))
	writeJSONResponse(w, http.StatusOK, models.Success(funnels))
}

// deleteFunnelHandler removes a funnel definition (DELETE /delete-funnel?keyword=).
// In-flight runs keep their steps snapshot and are unaffected.
func (s *Server) deleteFunnelHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.deleteFunnelHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	keyword := models.NormalizeKeyword(r.URL.Query().Get("keyword"))
	if keyword == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: keyword"))
		return
	}

	err := s.st.DeleteFunnel(keyword)
	if errors.Is(err, models.ErrNotFound) {
		slog.Warn("Server.deleteFunnelHandler: funnel not found", "keyword", keyword)
		writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("Funnel %q not found", keyword)))
		return
	}
	if err != nil {
		slog.Error("Server.deleteFunnelHandler: failed to delete funnel", "error", err, "keyword", keyword)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete funnel"))
		return
	}

	slog.Info("Server.deleteFunnelHandler: funnel deleted", "keyword", keyword)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(fmt.Sprintf("Funnel %q deleted", keyword), nil))
}

// sendMessageHandler sends a one-off message outside any funnel
// (GET /send-message?number=&message=). Useful for verifying the delivery
// channel without defining a funnel.
func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sendMessageHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	number := strings.TrimSpace(r.URL.Query().Get("number"))
	message := r.URL.Query().Get("message")
	if number == "" || message == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameters: number, message"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultSendTimeout)
	defer cancel()
	if err := s.sink.Send(ctx, number, message); err != nil {
		slog.Error("Server.sendMessageHandler: failed to send message", "error", err, "to", number)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}

	s.events.Append(models.Event{
		Message:   fmt.Sprintf("one-off test message sent to %s", number),
		Recipient: number,
	})
	slog.Info("Server.sendMessageHandler: message sent", "to", number)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}

// logsHandler returns a plain-text tail of the event log (GET /logs?limit=).
func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.logsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), DefaultLogTail)
	events, err := s.st.ListEvents(limit)
	if err != nil {
		slog.Error("Server.logsHandler: failed to list events", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch logs"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, e := range events {
		line := fmt.Sprintf("%s [%s] %s", e.Time.UTC().Format(time.RFC3339), e.Level, e.Message)
		if e.RunID != "" {
			line += " run=" + e.RunID
		}
		if e.Recipient != "" {
			line += " recipient=" + e.Recipient
		}
		fmt.Fprintln(w, line)
	}
}

// templatesHandler lists, saves, and deletes message templates
// (GET/POST/DELETE /templates).
func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.templatesHandler: processing request", "method", r.Method, "path", r.URL.Path)

	switch r.Method {
	case http.MethodGet:
		names, err := s.st.ListTemplates()
		if err != nil {
			slog.Error("Server.templatesHandler: failed to list templates", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch templates"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(names))

	case http.MethodPost:
		var req saveTemplateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.templatesHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.validate.Struct(req); err != nil {
			slog.Warn("Server.templatesHandler: validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.st.SaveTemplate(models.Template{Name: req.Name, Body: req.Body}); err != nil {
			slog.Error("Server.templatesHandler: failed to save template", "error", err, "name", req.Name)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save template"))
			return
		}
		slog.Info("Server.templatesHandler: template saved", "name", req.Name)
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage(fmt.Sprintf("Template %q saved", req.Name), nil))

	case http.MethodDelete:
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: name"))
			return
		}
		err := s.st.DeleteTemplate(name)
		if errors.Is(err, models.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("Template %q not found", name)))
			return
		}
		if err != nil {
			slog.Error("Server.templatesHandler: failed to delete template", "error", err, "name", name)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete template"))
			return
		}
		slog.Info("Server.templatesHandler: template deleted", "name", name)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(fmt.Sprintf("Template %q deleted", name), nil))

	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// runsHandler lists runs, newest first (GET /runs?limit=).
func (s *Server) runsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.runsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), DefaultRunsLimit)
	runs, err := s.st.ListRuns(limit)
	if err != nil {
		slog.Error("Server.runsHandler: failed to list runs", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch runs"))
		return
	}
	slog.Debug("Server.runsHandler: runs fetched", "count", len(runs))
	writeJSONResponse(w, http.StatusOK, models.Success(runs))
}

// runHandler handles per-run operations (GET /runs/{id}, DELETE /runs/{id}).
func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.runHandler: processing request", "method", r.Method, "path", r.URL.Path)

	runID := strings.TrimPrefix(r.URL.Path, "/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown run endpoint"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		run, err := s.st.GetRun(runID)
		if errors.Is(err, models.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("Run %s not found", runID)))
			return
		}
		if err != nil {
			slog.Error("Server.runHandler: failed to fetch run", "error", err, "runID", runID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch run"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(run))

	case http.MethodDelete:
		err := s.scheduler.Cancel(runID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("Run %s not found", runID)))
		case errors.Is(err, models.ErrRunNotActive):
			writeJSONResponse(w, http.StatusConflict, models.Error(fmt.Sprintf("Run %s is not active", runID)))
		case err != nil:
			slog.Error("Server.runHandler: failed to cancel run", "error", err, "runID", runID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel run"))
		default:
			slog.Info("Server.runHandler: run cancelled", "runID", runID)
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(fmt.Sprintf("Run %s cancelled", runID), nil))
		}

	default:
		w.Header().Set("Allow", "GET, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// healthHandler provides a health check endpoint for monitoring (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK

	// A failing store check degrades the health report instead of hiding it
	if funnels, err := s.st.ListFunnels(); err != nil {
		slog.Warn("Health check: funnel store unavailable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach funnel store"
		statusCode = http.StatusServiceUnavailable
	} else {
		healthData["funnels"] = len(funnels)
	}

	writeJSONResponse(w, statusCode, healthData)
}

// parseLimit parses a limit query parameter, falling back to def when absent
// or malformed.
func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
