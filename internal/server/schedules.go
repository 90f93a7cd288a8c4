package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sentryai/sentry/internal/notify"
	"github.com/sentryai/sentry/internal/schedule"
	"github.com/sentryai/sentry/internal/shared/security"
	"github.com/sentryai/sentry/internal/store"
)

// ── Schedule handlers ────────────────────────────────────────────────

// scheduleView decorates a stored schedule with its computed next run.
type scheduleView struct {
	store.Schedule
	NextRun *time.Time `json:"next_run,omitempty"`
}

func viewSchedule(sc store.Schedule) scheduleView {
	v := scheduleView{Schedule: sc}
	if sc.Enabled {
		if next, err := schedule.NextRun(sc.CronExpr, time.Now()); err == nil {
			v.NextRun = &next
		}
	}
	return v
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sc store.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if err := validateTarget(sc.Target); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sc.CronExpr = schedule.Resolve(sc.CronExpr)
	if err := schedule.Validate(sc.CronExpr); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if tenantID, _ := requestTenant(r.Context()); tenantID != "" {
		sc.TenantID = tenantID
	}

	created, err := s.store.CreateSchedule(r.Context(), sc)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewSchedule(*created))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	list, err := s.store.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	views := make([]scheduleView, 0, len(list))
	for _, sc := range list {
		views = append(views, viewSchedule(sc))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": views,
		"total":     len(views),
	})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sc, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("schedule %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewSchedule(*sc))
}

// handleUpdateSchedule applies a partial update. Only fields present in the
// body change; pointer fields distinguish absent from zero.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sc, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("schedule %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	var patch struct {
		Name      *string `json:"name"`
		Target    *string `json:"target"`
		Objective *string `json:"objective"`
		ScanType  *string `json:"scan_type"`
		CronExpr  *string `json:"cron_expr"`
		Timezone  *string `json:"timezone"`
		AutoPilot *bool   `json:"auto_pilot"`
		Enabled   *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if patch.Name != nil {
		sc.Name = *patch.Name
	}
	if patch.Target != nil {
		if err := validateTarget(*patch.Target); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		sc.Target = *patch.Target
	}
	if patch.Objective != nil {
		sc.Objective = *patch.Objective
	}
	if patch.ScanType != nil {
		sc.ScanType = *patch.ScanType
	}
	if patch.CronExpr != nil {
		expr := schedule.Resolve(*patch.CronExpr)
		if err := schedule.Validate(expr); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		sc.CronExpr = expr
	}
	if patch.Timezone != nil {
		sc.Timezone = *patch.Timezone
	}
	if patch.AutoPilot != nil {
		sc.AutoPilot = *patch.AutoPilot
	}
	if patch.Enabled != nil {
		sc.Enabled = *patch.Enabled
	}

	updated, err := s.store.UpdateSchedule(r.Context(), *sc)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewSchedule(*updated))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("schedule %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerSchedule fires a schedule immediately, outside its cron
// cadence.
func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	missionID, err := s.scheduler.TriggerNow(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("schedule %s not found", id))
			return
		}
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"schedule_id": id,
		"mission_id":  missionID,
	})
}

// ── Integration handlers ─────────────────────────────────────────────

// redactIntegration hides credential values in the config blob before an
// integration is echoed to API clients. The stored row keeps the real
// values; only the response view is scrubbed.
func redactIntegration(in store.Integration) store.Integration {
	var cfg map[string]string
	if in.Config == "" || json.Unmarshal([]byte(in.Config), &cfg) != nil {
		return in
	}
	blob, err := json.Marshal(security.SanitizeMap(cfg))
	if err != nil {
		return in
	}
	in.Config = string(blob)
	return in
}

func redactIntegrations(list []store.Integration) []store.Integration {
	out := make([]store.Integration, len(list))
	for i, in := range list {
		out[i] = redactIntegration(in)
	}
	return out
}

func (s *Server) handleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	var in store.Integration
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	// Constructing the channel up front surfaces config mistakes at save
	// time instead of on the first finding.
	if _, err := notify.NewChannel(in.Type, in.Config); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	in.MinSeverity = string(notify.ParseMinSeverity(in.MinSeverity))
	if tenantID, _ := requestTenant(r.Context()); tenantID != "" {
		in.TenantID = tenantID
	}

	created, err := s.store.CreateIntegration(r.Context(), in)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, redactIntegration(*created))
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	list, err := s.store.ListIntegrations(r.Context(), enabledOnly)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"integrations": redactIntegrations(list),
		"total":        len(list),
	})
}

func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	in, err := s.store.GetIntegration(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("integration %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redactIntegration(*in))
}

func (s *Server) handleUpdateIntegration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	in, err := s.store.GetIntegration(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("integration %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	var patch struct {
		Name        *string `json:"name"`
		Config      *string `json:"config"`
		MinSeverity *string `json:"min_severity"`
		Enabled     *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if patch.Name != nil {
		in.Name = *patch.Name
	}
	if patch.Config != nil {
		in.Config = *patch.Config
	}
	if patch.MinSeverity != nil {
		in.MinSeverity = string(notify.ParseMinSeverity(*patch.MinSeverity))
	}
	if patch.Enabled != nil {
		in.Enabled = *patch.Enabled
	}
	if _, err := notify.NewChannel(in.Type, in.Config); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	updated, err := s.store.UpdateIntegration(r.Context(), *in)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redactIntegration(*updated))
}

func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteIntegration(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("integration %s not found", id))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
