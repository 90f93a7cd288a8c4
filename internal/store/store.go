// Package store persists mission, finding, schedule and integration rows.
// SQLite is the default backend; Postgres is selected by a postgres:// URL;
// an in-process map backend stands in when neither can be opened.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/mission"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Schedule is a recurring mission definition driven by a cron expression.
type Schedule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Target     string     `json:"target"`
	Objective  string     `json:"objective"`
	ScanType   string     `json:"scan_type"`
	CronExpr   string     `json:"cron_expr"`
	Timezone   string     `json:"timezone,omitempty"`
	AutoPilot  bool       `json:"auto_pilot"`
	Enabled    bool       `json:"enabled"`
	TenantID   string     `json:"tenant_id,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	RunCount   int        `json:"run_count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Integration is one configured outbound channel (slack, discord, jira,
// linear, webhook). Config carries the channel-specific JSON blob.
type Integration struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Name        string     `json:"name"`
	Config      string     `json:"config"`
	MinSeverity string     `json:"min_severity,omitempty"`
	Enabled     bool       `json:"enabled"`
	TenantID    string     `json:"tenant_id,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MissionQuery filters ListMissions.
type MissionQuery struct {
	Status   mission.Status
	TenantID string
	Limit    int
}

// FindingQuery filters ListFindings.
type FindingQuery struct {
	MissionID string
	Severity  mission.Severity
	Status    mission.FindingStatus
	Limit     int
}

// Store is the persistence contract shared by the API, the scheduler and
// the workflow's record activities.
type Store interface {
	CreateMission(ctx context.Context, m mission.Mission) (*mission.Mission, error)
	GetMission(ctx context.Context, id string) (*mission.Mission, error)
	ListMissions(ctx context.Context, q MissionQuery) ([]mission.Mission, error)
	UpdateMissionStatus(ctx context.Context, id string, status mission.Status, errMsg string) error
	// FinishMission upserts the terminal counters. The row normally exists;
	// a missing one is recreated so a replayed record activity cannot lose
	// the result.
	FinishMission(ctx context.Context, out mission.ScanOutput) error
	DeleteMission(ctx context.Context, id string) error

	AppendFindings(ctx context.Context, missionID string, fs []mission.Finding) error
	GetFinding(ctx context.Context, id string) (*mission.Finding, error)
	ListFindings(ctx context.Context, q FindingQuery) ([]mission.Finding, error)
	UpdateFindingStatus(ctx context.Context, id string, status mission.FindingStatus) error

	CreateSchedule(ctx context.Context, s Schedule) (*Schedule, error)
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error)
	UpdateSchedule(ctx context.Context, s Schedule) (*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	// TouchSchedule records one trigger: last run time, outcome, run count.
	TouchSchedule(ctx context.Context, id string, at time.Time, status string) error

	CreateIntegration(ctx context.Context, in Integration) (*Integration, error)
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	ListIntegrations(ctx context.Context, enabledOnly bool) ([]Integration, error)
	UpdateIntegration(ctx context.Context, in Integration) (*Integration, error)
	DeleteIntegration(ctx context.Context, id string) error

	Close() error
}

// Open selects a backend. A postgres:// or postgresql:// URL picks Postgres;
// otherwise SQLite at <dataDir>/sentry.db. A SQLite file that cannot be
// opened degrades to the in-memory store with a warning so a broken volume
// does not take the control plane down.
func Open(databaseURL, dataDir string, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		st, err := openPostgres(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info("store backend ready", zap.String("backend", "postgres"))
		return st, nil
	}

	path := filepath.Join(dataDir, "sentry.db")
	st, err := openSQLite(path)
	if err != nil {
		log.Warn("sqlite store unavailable, falling back to memory",
			zap.String("path", path),
			zap.Error(err),
		)
		return NewMemory(), nil
	}
	log.Info("store backend ready", zap.String("backend", "sqlite"), zap.String("path", path))
	return st, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
