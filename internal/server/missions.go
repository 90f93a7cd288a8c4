package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/budget"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/store"
	"github.com/sentryai/sentry/internal/workflow"
)

// targetRe bounds what a target string may contain: hostnames, IPs, URLs,
// CIDR ranges and wildcard domains. Shell metacharacters never pass.
var targetRe = regexp.MustCompile(`^[\w.\-:/*@]+$`)

const maxTargetLen = 2000

var (
	errInvalidRequest     = errors.New("invalid mission request")
	errBackendUnavailable = errors.New("mission backend unavailable")
)

// missionConfig is the JSON blob stored in the mission row's config column.
// It mirrors the workflow input so a mission can be inspected or re-run from
// its record alone.
type missionConfig struct {
	Targets         []string      `json:"targets"`
	Scope           scope.Policy  `json:"scope"`
	Limits          budget.Limits `json:"limits"`
	NotifyOnFinding bool          `json:"notify_on_finding,omitempty"`
}

// startRequest collects everything needed to launch a mission. The HTTP
// handler, the scheduler and the MCP adapter all funnel through it.
type startRequest struct {
	TenantID        string
	UserID          string
	Targets         []string
	Objective       string
	ScanType        string
	AutoPilot       bool
	Scope           *scope.Policy
	Limits          *budget.Limits
	NotifyOnFinding bool
}

func validateTarget(t string) error {
	if t == "" {
		return fmt.Errorf("%w: target is required", errInvalidRequest)
	}
	if len(t) > maxTargetLen {
		return fmt.Errorf("%w: target exceeds %d characters", errInvalidRequest, maxTargetLen)
	}
	if !targetRe.MatchString(t) {
		return fmt.Errorf("%w: target %q contains invalid characters", errInvalidRequest, t)
	}
	return nil
}

// startMission persists a mission row and starts its workflow. On workflow
// start failure the row is marked failed so the record explains what
// happened, and the error wraps errBackendUnavailable.
func (s *Server) startMission(ctx context.Context, req startRequest) (*mission.Mission, error) {
	if strings.TrimSpace(req.Objective) == "" {
		return nil, fmt.Errorf("%w: objective is required", errInvalidRequest)
	}
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("%w: target is required", errInvalidRequest)
	}
	for _, t := range req.Targets {
		if err := validateTarget(t); err != nil {
			return nil, err
		}
	}

	if s.quotas != nil && req.TenantID != "" {
		if err := s.quotas.CheckCanCreate(req.TenantID); err != nil {
			return nil, fmt.Errorf("quota: %w", err)
		}
	}

	pol := scope.Policy{Allow: req.Targets}
	if req.Scope != nil {
		pol = *req.Scope
	}
	if _, err := scope.NewEnforcer(pol, s.log.Named("scope")); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	lim := budget.DefaultLimits()
	if req.Limits != nil {
		lim = *req.Limits
	}
	scanType := req.ScanType
	if scanType == "" {
		scanType = "standard"
	}

	id := uuid.NewString()
	cfgBlob, err := json.Marshal(missionConfig{
		Targets:         req.Targets,
		Scope:           pol,
		Limits:          lim,
		NotifyOnFinding: req.NotifyOnFinding,
	})
	if err != nil {
		return nil, fmt.Errorf("encode mission config: %w", err)
	}

	created, err := s.store.CreateMission(ctx, mission.Mission{
		ID:         id,
		WorkflowID: workflow.WorkflowIDFor(id),
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		Target:     req.Targets[0],
		Objective:  req.Objective,
		ScanType:   scanType,
		Config:     string(cfgBlob),
		AutoPilot:  req.AutoPilot,
		Status:     mission.StatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create mission: %w", err)
	}

	runID, err := s.backend.StartMission(ctx, workflow.MissionInput{
		MissionID:       id,
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		Objective:       req.Objective,
		Targets:         req.Targets,
		Scope:           pol,
		Limits:          lim,
		AutoPilot:       req.AutoPilot,
		NotifyOnFinding: req.NotifyOnFinding,
	})
	if err != nil {
		if uerr := s.store.UpdateMissionStatus(ctx, id, mission.StatusFailed,
			"workflow start failed: "+err.Error()); uerr != nil {
			s.log.Warn("mark failed mission", zap.String("mission_id", id), zap.Error(uerr))
		}
		return nil, fmt.Errorf("%w: %v", errBackendUnavailable, err)
	}

	if s.quotas != nil && req.TenantID != "" {
		s.quotas.RecordMission(req.TenantID)
	}
	s.log.Info("mission started",
		zap.String("mission_id", id),
		zap.String("target", req.Targets[0]),
		zap.String("scan_type", scanType),
		zap.String("run_id", runID),
		zap.Bool("auto_pilot", req.AutoPilot),
	)
	return created, nil
}

// LaunchScheduled implements schedule.Launcher: cron triggers become
// ordinary missions owned by the schedule.
func (s *Server) LaunchScheduled(ctx context.Context, sched store.Schedule) (string, error) {
	m, err := s.startMission(ctx, startRequest{
		TenantID:  sched.TenantID,
		UserID:    "schedule:" + sched.ID,
		Targets:   []string{sched.Target},
		Objective: sched.Objective,
		ScanType:  sched.ScanType,
		AutoPilot: sched.AutoPilot,
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// ApprovePlan implements the WebSocket controller: an interactive approval
// is a plan signal to the running workflow.
func (s *Server) ApprovePlan(ctx context.Context, missionID, planID string, steps []int) error {
	return s.backend.SignalMission(ctx, missionID, workflow.SignalApprovePlan, workflow.ApprovePlanSignal{
		PlanID:        planID,
		ApprovedSteps: steps,
	})
}

// KillMission implements the WebSocket controller's cancel action.
func (s *Server) KillMission(ctx context.Context, missionID, reason string) error {
	if reason == "" {
		reason = "user cancel"
	}
	return s.backend.SignalMission(ctx, missionID, workflow.SignalKill, workflow.KillSignal{Reason: reason})
}

// ── Mission handlers ─────────────────────────────────────────────────

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target          string         `json:"target"`
		Targets         []string       `json:"targets"`
		Objective       string         `json:"objective"`
		ScanType        string         `json:"scan_type"`
		AutoPilot       bool           `json:"auto_pilot"`
		Scope           *scope.Policy  `json:"scope"`
		Limits          *budget.Limits `json:"limits"`
		NotifyOnFinding bool           `json:"notify_on_finding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	targets := body.Targets
	if len(targets) == 0 && body.Target != "" {
		targets = []string{body.Target}
	}
	tenantID, userID := requestTenant(r.Context())

	m, err := s.startMission(r.Context(), startRequest{
		TenantID:        tenantID,
		UserID:          userID,
		Targets:         targets,
		Objective:       body.Objective,
		ScanType:        body.ScanType,
		AutoPilot:       body.AutoPilot,
		Scope:           body.Scope,
		Limits:          body.Limits,
		NotifyOnFinding: body.NotifyOnFinding,
	})
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, errBackendUnavailable):
		writeJSONError(w, http.StatusBadGateway, "backend_unavailable", err.Error())
	case strings.HasPrefix(err.Error(), "quota:"):
		writeJSONError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	q := store.MissionQuery{
		Status: mission.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
	}
	if tenantID, _ := requestTenant(r.Context()); tenantID != "" {
		q.TenantID = tenantID
	}
	list, err := s.store.ListMissions(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"missions": list,
		"total":    len(list),
	})
}

// missionDetail is the GET /missions/{id} response: the stored row plus, for
// live missions, the workflow's own view of where it is.
type missionDetail struct {
	Mission         *mission.Mission     `json:"mission"`
	Live            *workflow.StatusInfo `json:"live,omitempty"`
	ExecutionStatus string               `json:"execution_status,omitempty"`
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMission(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("mission %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	detail := missionDetail{Mission: m}
	if !m.Status.Terminal() && s.backend != nil {
		if info, err := s.backend.QueryMissionStatus(r.Context(), id); err == nil {
			detail.Live = &info
		}
		if label, err := s.backend.DescribeMission(r.Context(), id); err == nil {
			detail.ExecutionStatus = label
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleDeleteMission removes the stored record only. A running workflow
// keeps running; terminate it first if that is the intent.
func (s *Server) handleDeleteMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteMission(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("mission %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.missionExists(w, r, id) {
		return
	}
	if err := s.KillMission(r.Context(), id, "user cancel"); err != nil {
		writeJSONError(w, http.StatusBadGateway, "backend_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"mission_id": id,
		"status":     "cancelling",
	})
}

func (s *Server) handleTerminateMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.missionExists(w, r, id) {
		return
	}
	if err := s.backend.TerminateMission(r.Context(), id, "forced"); err != nil {
		writeJSONError(w, http.StatusBadGateway, "backend_unavailable", err.Error())
		return
	}
	if err := s.store.UpdateMissionStatus(r.Context(), id, mission.StatusKilled, "terminated by operator"); err != nil && !store.IsNotFound(err) {
		s.log.Warn("mark terminated mission", zap.String("mission_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"mission_id": id,
		"status":     "terminated",
	})
}

var allowedSignals = map[string]bool{
	workflow.SignalApprovePlan: true,
	workflow.SignalPause:       true,
	workflow.SignalResume:      true,
	workflow.SignalKill:        true,
}

func (s *Server) handleSignalMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		SignalName string          `json:"signal_name"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if !allowedSignals[body.SignalName] {
		writeJSONError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("unknown signal %q", body.SignalName))
		return
	}
	if !s.missionExists(w, r, id) {
		return
	}

	var payload any
	if len(body.Data) > 0 {
		payload = body.Data
	}
	if err := s.backend.SignalMission(r.Context(), id, body.SignalName, payload); err != nil {
		writeJSONError(w, http.StatusBadGateway, "backend_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"mission_id": id,
		"signal":     body.SignalName,
	})
}

func (s *Server) missionExists(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := s.store.GetMission(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("mission %s not found", id))
			return false
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return false
	}
	return true
}

// ── Finding handlers ─────────────────────────────────────────────────

func (s *Server) handleMissionFindings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.missionExists(w, r, id) {
		return
	}
	list, err := s.store.ListFindings(r.Context(), store.FindingQuery{
		MissionID: id,
		Severity:  mission.Severity(r.URL.Query().Get("severity")),
		Limit:     queryInt(r, "limit"),
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": list,
		"total":    len(list),
	})
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListFindings(r.Context(), store.FindingQuery{
		Severity: mission.Severity(r.URL.Query().Get("severity")),
		Status:   mission.FindingStatus(r.URL.Query().Get("status")),
		Limit:    queryInt(r, "limit"),
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": list,
		"total":    len(list),
	})
}

var findingStatuses = map[mission.FindingStatus]bool{
	mission.FindingNew:           true,
	mission.FindingConfirmed:     true,
	mission.FindingFalsePositive: true,
	mission.FindingResolved:      true,
}

// handleUpdateFinding triages a finding: confirmed, false_positive, resolved.
func (s *Server) handleUpdateFinding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Status mission.FindingStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if !findingStatuses[body.Status] {
		writeJSONError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("unknown finding status %q", body.Status))
		return
	}
	if err := s.store.UpdateFindingStatus(r.Context(), id, body.Status); err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("finding %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(body.Status),
	})
}

// similarFinding is one nearest-neighbor hit.
type similarFinding struct {
	FindingID string  `json:"finding_id"`
	Score     float64 `json:"score"`
	Text      string  `json:"text,omitempty"`
}

// handleSimilarFindings answers "have we seen this before" by cosine
// similarity over embedded finding text. Requires an embeddings-capable
// provider; otherwise 501.
func (s *Server) handleSimilarFindings(w http.ResponseWriter, r *http.Request) {
	if s.embedder == nil || s.vectors == nil {
		writeJSONError(w, http.StatusNotImplemented, "similarity_unavailable",
			"similarity search requires an embeddings-capable llm provider")
		return
	}
	id := r.PathValue("id")
	f, err := s.store.GetFinding(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("finding %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	k := queryInt(r, "k")
	if k <= 0 {
		k = 5
	}

	embedCtx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	vecs, err := s.embedder.Embed(embedCtx, []string{findingText(*f)})
	if err != nil || len(vecs) == 0 {
		writeJSONError(w, http.StatusBadGateway, "embedding_failed", "could not embed finding text")
		return
	}

	ns := s.vectorNamespace(r.Context(), f.MissionID)
	matches, err := s.vectors.Search(r.Context(), ns, vecs[0], k+1)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	out := make([]similarFinding, 0, len(matches))
	for _, m := range matches {
		if m.ID == id {
			continue
		}
		out = append(out, similarFinding{FindingID: m.ID, Score: m.Score, Text: m.Text})
	}
	if len(out) > k {
		out = out[:k]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"finding_id": id,
		"similar":    out,
	})
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
