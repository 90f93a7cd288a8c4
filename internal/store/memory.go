package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentryai/sentry/internal/mission"
)

// Memory is the map-backed Store. It backs tests and the degraded mode used
// when the SQLite file cannot be opened. Missing rows return the same
// sentinel as the SQL backends so IsNotFound works everywhere.
type Memory struct {
	mu           sync.RWMutex
	missions     map[string]mission.Mission
	findings     map[string]mission.Finding
	schedules    map[string]Schedule
	integrations map[string]Integration
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		missions:     make(map[string]mission.Mission),
		findings:     make(map[string]mission.Finding),
		schedules:    make(map[string]Schedule),
		integrations: make(map[string]Integration),
	}
}

func (m *Memory) Close() error { return nil }

// --- missions ---

func (m *Memory) CreateMission(_ context.Context, mi mission.Mission) (*mission.Mission, error) {
	if strings.TrimSpace(mi.Target) == "" {
		return nil, fmt.Errorf("target is required")
	}
	if mi.ID == "" {
		mi.ID = uuid.NewString()
	}
	if mi.Status == "" {
		mi.Status = mission.StatusPending
	}
	if mi.CreatedAt.IsZero() {
		mi.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.missions[mi.ID] = mi
	m.mu.Unlock()
	out := mi
	return &out, nil
}

func (m *Memory) GetMission(_ context.Context, id string) (*mission.Mission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mi, ok := m.missions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := mi
	return &out, nil
}

func (m *Memory) ListMissions(_ context.Context, q MissionQuery) ([]mission.Mission, error) {
	m.mu.RLock()
	out := make([]mission.Mission, 0, len(m.missions))
	for _, mi := range m.missions {
		if q.Status != "" && mi.Status != q.Status {
			continue
		}
		if q.TenantID != "" && mi.TenantID != q.TenantID {
			continue
		}
		out = append(out, mi)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := normalizeLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateMissionStatus(_ context.Context, id string, status mission.Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.missions[id]
	if !ok {
		return sql.ErrNoRows
	}
	mi.Status = status
	mi.Error = errMsg
	if mi.StartedAt.IsZero() {
		mi.StartedAt = time.Now().UTC()
	}
	m.missions[id] = mi
	return nil
}

func (m *Memory) FinishMission(_ context.Context, out mission.ScanOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	mi, ok := m.missions[out.MissionID]
	if !ok {
		mi = mission.Mission{ID: out.MissionID, CreatedAt: now}
	}
	mi.Status = out.Status
	mi.Error = out.ErrorMessage
	mi.StepsTaken = out.StepsTaken
	mi.CostUSD = out.CostUSD
	mi.EndedAt = now
	m.missions[out.MissionID] = mi
	return nil
}

func (m *Memory) DeleteMission(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.missions[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.missions, id)
	for fid, f := range m.findings {
		if f.MissionID == id {
			delete(m.findings, fid)
		}
	}
	return nil
}

// --- findings ---

func (m *Memory) AppendFindings(_ context.Context, missionID string, fs []mission.Finding) error {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fs {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.Status == "" {
			f.Status = mission.FindingNew
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		f.MissionID = missionID
		f.Evidence = truncateEvidence(f.Evidence)
		m.findings[f.ID] = f
	}
	return nil
}

func (m *Memory) GetFinding(_ context.Context, id string) (*mission.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.findings[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &f, nil
}

func (m *Memory) ListFindings(_ context.Context, q FindingQuery) ([]mission.Finding, error) {
	m.mu.RLock()
	out := make([]mission.Finding, 0, len(m.findings))
	for _, f := range m.findings {
		if q.MissionID != "" && f.MissionID != q.MissionID {
			continue
		}
		if q.Severity != "" && f.Severity != q.Severity {
			continue
		}
		if q.Status != "" && f.Status != q.Status {
			continue
		}
		out = append(out, f)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := normalizeLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateFindingStatus(_ context.Context, id string, status mission.FindingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.findings[id]
	if !ok {
		return sql.ErrNoRows
	}
	f.Status = status
	m.findings[id] = f
	return nil
}

// --- schedules ---

func (m *Memory) CreateSchedule(_ context.Context, sc Schedule) (*Schedule, error) {
	if err := validateSchedule(sc); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	m.mu.Lock()
	m.schedules[sc.ID] = sc
	m.mu.Unlock()
	out := sc
	return &out, nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.schedules[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := sc
	return &out, nil
}

func (m *Memory) ListSchedules(_ context.Context, enabledOnly bool) ([]Schedule, error) {
	m.mu.RLock()
	out := make([]Schedule, 0, len(m.schedules))
	for _, sc := range m.schedules {
		if enabledOnly && !sc.Enabled {
			continue
		}
		out = append(out, sc)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) UpdateSchedule(ctx context.Context, sc Schedule) (*Schedule, error) {
	if strings.TrimSpace(sc.ID) == "" {
		return nil, fmt.Errorf("schedule id required")
	}
	if err := validateSchedule(sc); err != nil {
		return nil, err
	}
	m.mu.Lock()
	cur, ok := m.schedules[sc.ID]
	if !ok {
		m.mu.Unlock()
		return nil, sql.ErrNoRows
	}
	cur.Name = strings.TrimSpace(sc.Name)
	cur.Target = strings.TrimSpace(sc.Target)
	cur.Objective = sc.Objective
	cur.ScanType = sc.ScanType
	cur.CronExpr = strings.TrimSpace(sc.CronExpr)
	if sc.Timezone != "" {
		cur.Timezone = sc.Timezone
	}
	cur.AutoPilot = sc.AutoPilot
	cur.Enabled = sc.Enabled
	cur.UpdatedAt = time.Now().UTC()
	m.schedules[sc.ID] = cur
	m.mu.Unlock()
	return m.GetSchedule(ctx, sc.ID)
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.schedules, id)
	return nil
}

func (m *Memory) TouchSchedule(_ context.Context, id string, at time.Time, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[id]
	if !ok {
		return sql.ErrNoRows
	}
	t := at.UTC()
	sc.LastRunAt = &t
	sc.LastStatus = status
	sc.RunCount++
	sc.UpdatedAt = time.Now().UTC()
	m.schedules[id] = sc
	return nil
}

// --- integrations ---

func (m *Memory) CreateIntegration(_ context.Context, in Integration) (*Integration, error) {
	if err := validateIntegration(in); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	m.mu.Lock()
	m.integrations[in.ID] = in
	m.mu.Unlock()
	out := in
	return &out, nil
}

func (m *Memory) GetIntegration(_ context.Context, id string) (*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.integrations[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := in
	return &out, nil
}

func (m *Memory) ListIntegrations(_ context.Context, enabledOnly bool) ([]Integration, error) {
	m.mu.RLock()
	out := make([]Integration, 0, len(m.integrations))
	for _, in := range m.integrations {
		if enabledOnly && !in.Enabled {
			continue
		}
		out = append(out, in)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateIntegration(ctx context.Context, in Integration) (*Integration, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, fmt.Errorf("integration id required")
	}
	if err := validateIntegration(in); err != nil {
		return nil, err
	}
	m.mu.Lock()
	cur, ok := m.integrations[in.ID]
	if !ok {
		m.mu.Unlock()
		return nil, sql.ErrNoRows
	}
	cur.Type = in.Type
	cur.Name = strings.TrimSpace(in.Name)
	cur.Config = in.Config
	cur.MinSeverity = in.MinSeverity
	cur.Enabled = in.Enabled
	cur.UpdatedAt = time.Now().UTC()
	m.integrations[in.ID] = cur
	m.mu.Unlock()
	return m.GetIntegration(ctx, in.ID)
}

func (m *Memory) DeleteIntegration(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.integrations[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.integrations, id)
	return nil
}
