package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentryai/sentry/internal/auth"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/tools"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// ── Health and observability ────────────────────────────────────
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// ── Missions ────────────────────────────────────────────────────
	mux.HandleFunc("POST /api/v1/missions", s.withPermission(auth.PermMissionWrite, s.handleCreateMission))
	mux.HandleFunc("GET /api/v1/missions", s.withPermission(auth.PermMissionRead, s.handleListMissions))
	mux.HandleFunc("GET /api/v1/missions/{id}", s.withPermission(auth.PermMissionRead, s.handleGetMission))
	mux.HandleFunc("DELETE /api/v1/missions/{id}", s.withPermission(auth.PermMissionWrite, s.handleDeleteMission))
	mux.HandleFunc("POST /api/v1/missions/{id}/cancel", s.withPermission(auth.PermMissionWrite, s.handleCancelMission))
	mux.HandleFunc("POST /api/v1/missions/{id}/terminate", s.withPermission(auth.PermMissionWrite, s.handleTerminateMission))
	mux.HandleFunc("POST /api/v1/missions/{id}/signal", s.withPermission(auth.PermMissionWrite, s.handleSignalMission))
	mux.HandleFunc("GET /api/v1/missions/{id}/findings", s.withPermission(auth.PermFindingRead, s.handleMissionFindings))

	// ── Findings ────────────────────────────────────────────────────
	mux.HandleFunc("GET /api/v1/findings", s.withPermission(auth.PermFindingRead, s.handleListFindings))
	mux.HandleFunc("PATCH /api/v1/findings/{id}", s.withPermission(auth.PermMissionWrite, s.handleUpdateFinding))
	mux.HandleFunc("GET /api/v1/findings/{id}/similar", s.withPermission(auth.PermFindingRead, s.handleSimilarFindings))

	// ── Tool schemas ────────────────────────────────────────────────
	mux.HandleFunc("GET /api/v1/tools", s.withPermission(auth.PermMissionRead, s.handleListTools))
	mux.HandleFunc("GET /api/v1/tools/{name}", s.withPermission(auth.PermMissionRead, s.handleGetTool))
	mux.HandleFunc("PUT /api/v1/tools/{name}", s.withPermission(auth.PermToolManage, s.handlePutTool))
	mux.HandleFunc("DELETE /api/v1/tools/{name}", s.withPermission(auth.PermToolManage, s.handleDeleteTool))

	// ── Scope ───────────────────────────────────────────────────────
	mux.HandleFunc("POST /api/v1/scope/check", s.withPermission(auth.PermMissionRead, s.handleScopeCheck))

	// ── Schedules ───────────────────────────────────────────────────
	mux.HandleFunc("POST /api/v1/schedules", s.withPermission(auth.PermScheduleManage, s.handleCreateSchedule))
	mux.HandleFunc("GET /api/v1/schedules", s.withPermission(auth.PermMissionRead, s.handleListSchedules))
	mux.HandleFunc("GET /api/v1/schedules/{id}", s.withPermission(auth.PermMissionRead, s.handleGetSchedule))
	mux.HandleFunc("PATCH /api/v1/schedules/{id}", s.withPermission(auth.PermScheduleManage, s.handleUpdateSchedule))
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", s.withPermission(auth.PermScheduleManage, s.handleDeleteSchedule))
	mux.HandleFunc("POST /api/v1/schedules/{id}/trigger", s.withPermission(auth.PermScheduleManage, s.handleTriggerSchedule))

	// ── Integrations ────────────────────────────────────────────────
	mux.HandleFunc("POST /api/v1/integrations", s.withPermission(auth.PermIntegrationWrite, s.handleCreateIntegration))
	mux.HandleFunc("GET /api/v1/integrations", s.withPermission(auth.PermMissionRead, s.handleListIntegrations))
	mux.HandleFunc("GET /api/v1/integrations/{id}", s.withPermission(auth.PermMissionRead, s.handleGetIntegration))
	mux.HandleFunc("PATCH /api/v1/integrations/{id}", s.withPermission(auth.PermIntegrationWrite, s.handleUpdateIntegration))
	mux.HandleFunc("DELETE /api/v1/integrations/{id}", s.withPermission(auth.PermIntegrationWrite, s.handleDeleteIntegration))

	// ── Event streaming ─────────────────────────────────────────────
	mux.HandleFunc("GET /api/v1/events", s.withPermission(auth.PermMissionRead, s.handleEventsSSE))
	mux.HandleFunc("GET /api/v1/ws/missions", s.withPermission(auth.PermMissionRead, s.hub.HandleWS))

	// ── Model Context Protocol ──────────────────────────────────────
	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
		"commit":  Commit,
		"built":   Date,
	})
}

// ── Server-sent events ───────────────────────────────────────────────

// handleEventsSSE streams bus events as SSE frames. ?mission_id= narrows to
// one mission, ?topics=a,b to a topic set; both default to everything.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	missionID := r.URL.Query().Get("mission_id")
	var topics []mission.Topic
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, mission.Topic(t))
			}
		}
	}

	sub := s.bus.Subscribe(missionID, topics...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Topic, data)
			flusher.Flush()
		}
	}
}

// ── Tool schemas ─────────────────────────────────────────────────────

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	list := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": list,
		"total": len(list),
	})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	schema, ok := s.registry.Get(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("tool %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handlePutTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var schema tools.Schema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if schema.Name == "" {
		schema.Name = name
	}
	if schema.Name != name {
		writeJSONError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("schema name %q does not match path %q", schema.Name, name))
		return
	}
	if err := s.registry.Register(schema); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_schema", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Remove(name); err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("tool %s not found", name))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Scope check ──────────────────────────────────────────────────────

// handleScopeCheck dry-runs a scope policy against candidate targets. The
// same enforcement the workflow applies, minus the mission.
func (s *Server) handleScopeCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets []string     `json:"targets"`
		Policy  scope.Policy `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Targets) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "at least one target is required")
		return
	}
	enf, err := scope.NewEnforcer(req.Policy, s.log.Named("scope"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_policy", err.Error())
		return
	}
	verdicts := make([]scope.Verdict, 0, len(req.Targets))
	for _, t := range req.Targets {
		verdicts = append(verdicts, enf.CheckTarget(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": verdicts})
}
