package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/sentryai/sentry/internal/mission"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"

	maxEvidenceBytes = 10 * 1024
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS missions (
		id          TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL DEFAULT '',
		tenant_id   TEXT NOT NULL DEFAULT '',
		user_id     TEXT NOT NULL DEFAULT '',
		target      TEXT NOT NULL,
		objective   TEXT NOT NULL DEFAULT '',
		scan_type   TEXT NOT NULL DEFAULT '',
		config      TEXT NOT NULL DEFAULT '',
		auto_pilot  INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		steps_taken INTEGER NOT NULL DEFAULT 0,
		cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		started_at  TEXT,
		ended_at    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS findings (
		id             TEXT PRIMARY KEY,
		mission_id     TEXT NOT NULL,
		step_id        INTEGER NOT NULL DEFAULT 0,
		severity       TEXT NOT NULL,
		title          TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		affected_asset TEXT NOT NULL DEFAULT '',
		evidence       TEXT NOT NULL DEFAULT '',
		reproduction   TEXT NOT NULL DEFAULT '',
		remediation    TEXT NOT NULL DEFAULT '',
		cwe            TEXT NOT NULL DEFAULT '',
		cvss           DOUBLE PRECISION NOT NULL DEFAULT 0,
		confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
		fp_likelihood  TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'new',
		created_at     TEXT NOT NULL,
		FOREIGN KEY(mission_id) REFERENCES missions(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		target      TEXT NOT NULL,
		objective   TEXT NOT NULL DEFAULT '',
		scan_type   TEXT NOT NULL DEFAULT '',
		cron_expr   TEXT NOT NULL,
		timezone    TEXT NOT NULL DEFAULT 'UTC',
		auto_pilot  INTEGER NOT NULL DEFAULT 1,
		enabled     INTEGER NOT NULL DEFAULT 1,
		tenant_id   TEXT NOT NULL DEFAULT '',
		last_run_at TEXT,
		last_status TEXT NOT NULL DEFAULT '',
		run_count   INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS integrations (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		name         TEXT NOT NULL,
		config       TEXT NOT NULL,
		min_severity TEXT NOT NULL DEFAULT '',
		enabled      INTEGER NOT NULL DEFAULT 1,
		tenant_id    TEXT NOT NULL DEFAULT '',
		last_used_at TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_missions_created ON missions(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_mission ON findings(mission_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled)`,
}

type sqlStore struct {
	db      *sql.DB
	dialect string
}

func openSQLite(path string) (*sqlStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &sqlStore{db: db, dialect: dialectSQLite}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openPostgres(url string) (*sqlStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s := &sqlStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for the Postgres driver. None of the
// statements here carry a literal question mark.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

// --- missions ---

const missionColumns = `id, workflow_id, tenant_id, user_id, target, objective, scan_type, config,
	auto_pilot, status, error, steps_taken, cost_usd, created_at, started_at, ended_at`

func (s *sqlStore) CreateMission(ctx context.Context, m mission.Mission) (*mission.Mission, error) {
	if strings.TrimSpace(m.Target) == "" {
		return nil, fmt.Errorf("target is required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = mission.StatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, `INSERT INTO missions (`+missionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkflowID, m.TenantID, m.UserID,
		strings.TrimSpace(m.Target), m.Objective, m.ScanType, m.Config,
		boolInt(m.AutoPilot), string(m.Status), m.Error, m.StepsTaken, m.CostUSD,
		formatTime(m.CreatedAt), nullTime(m.StartedAt), nullTime(m.EndedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert mission: %w", err)
	}
	out := m
	return &out, nil
}

func (s *sqlStore) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	row := s.queryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	return scanMission(row)
}

func (s *sqlStore) ListMissions(ctx context.Context, q MissionQuery) ([]mission.Mission, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, q.TenantID)
	}

	stmt := `SELECT ` + missionColumns + ` FROM missions`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY created_at DESC LIMIT ?`
	limit := normalizeLimit(q.Limit)
	args = append(args, limit)

	rows, err := s.query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]mission.Mission, 0, limit)
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateMissionStatus(ctx context.Context, id string, status mission.Status, errMsg string) error {
	now := formatTime(time.Now().UTC())
	// The first transition out of pending stamps started_at.
	res, err := s.exec(ctx, `UPDATE missions
		SET status = ?, error = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ?`,
		string(status), errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("update mission status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *sqlStore) FinishMission(ctx context.Context, out mission.ScanOutput) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE missions
		SET status = ?, error = ?, steps_taken = ?, cost_usd = ?, ended_at = ?
		WHERE id = ?`,
		string(out.Status), out.ErrorMessage, out.StepsTaken, out.CostUSD,
		formatTime(now), out.MissionID,
	)
	if err != nil {
		return fmt.Errorf("finish mission: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	// Row lost or never created; recreate it so the result survives.
	_, err = s.exec(ctx, `INSERT INTO missions (id, target, status, error, steps_taken, cost_usd, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		out.MissionID, "", string(out.Status), out.ErrorMessage,
		out.StepsTaken, out.CostUSD, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("recreate finished mission: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteMission(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM missions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- findings ---

const findingColumns = `id, mission_id, step_id, severity, title, description, affected_asset,
	evidence, reproduction, remediation, cwe, cvss, confidence, fp_likelihood, status, created_at`

func (s *sqlStore) AppendFindings(ctx context.Context, missionID string, fs []mission.Finding) error {
	if len(fs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// A replayed record activity re-appends the same finding IDs; those
	// rows must not duplicate.
	stmt := s.rebind(`INSERT INTO findings (` + findingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	now := time.Now().UTC()
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
		if _, err := tx.ExecContext(ctx, stmt,
			f.ID, missionID, f.StepID, string(f.Severity), f.Title, f.Description,
			f.AffectedAsset, truncateEvidence(f.Evidence), f.Reproduction, f.Remediation,
			f.CWE, f.CVSS, f.Confidence, f.FalsePositiveLikelihood,
			string(f.Status), formatTime(f.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetFinding(ctx context.Context, id string) (*mission.Finding, error) {
	row := s.queryRow(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = ?`, id)
	return scanFinding(row)
}

func (s *sqlStore) ListFindings(ctx context.Context, q FindingQuery) ([]mission.Finding, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if q.MissionID != "" {
		clauses = append(clauses, "mission_id = ?")
		args = append(args, q.MissionID)
	}
	if q.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(q.Severity))
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}

	stmt := `SELECT ` + findingColumns + ` FROM findings`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY created_at DESC, id LIMIT ?`
	limit := normalizeLimit(q.Limit)
	args = append(args, limit)

	rows, err := s.query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]mission.Finding, 0, limit)
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			continue
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateFindingStatus(ctx context.Context, id string, status mission.FindingStatus) error {
	res, err := s.exec(ctx, `UPDATE findings SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- schedules ---

const scheduleColumns = `id, name, target, objective, scan_type, cron_expr, timezone,
	auto_pilot, enabled, tenant_id, last_run_at, last_status, run_count, created_at, updated_at`

func (s *sqlStore) CreateSchedule(ctx context.Context, sc Schedule) (*Schedule, error) {
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

	_, err := s.exec(ctx, `INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, strings.TrimSpace(sc.Name), strings.TrimSpace(sc.Target), sc.Objective,
		sc.ScanType, strings.TrimSpace(sc.CronExpr), sc.Timezone,
		boolInt(sc.AutoPilot), boolInt(sc.Enabled), sc.TenantID,
		nullablePtrTime(sc.LastRunAt), sc.LastStatus, sc.RunCount,
		formatTime(sc.CreatedAt), formatTime(sc.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	out := sc
	return &out, nil
}

func (s *sqlStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

func (s *sqlStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error) {
	stmt := `SELECT ` + scheduleColumns + ` FROM schedules`
	if enabledOnly {
		stmt += ` WHERE enabled = 1`
	}
	stmt += ` ORDER BY updated_at DESC`

	rows, err := s.query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Schedule, 0)
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			continue
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateSchedule(ctx context.Context, sc Schedule) (*Schedule, error) {
	if strings.TrimSpace(sc.ID) == "" {
		return nil, fmt.Errorf("schedule id required")
	}
	if err := validateSchedule(sc); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}

	res, err := s.exec(ctx, `UPDATE schedules
		SET name = ?, target = ?, objective = ?, scan_type = ?, cron_expr = ?, timezone = ?,
			auto_pilot = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		strings.TrimSpace(sc.Name), strings.TrimSpace(sc.Target), sc.Objective, sc.ScanType,
		strings.TrimSpace(sc.CronExpr), sc.Timezone,
		boolInt(sc.AutoPilot), boolInt(sc.Enabled), formatTime(now), sc.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}
	return s.GetSchedule(ctx, sc.ID)
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *sqlStore) TouchSchedule(ctx context.Context, id string, at time.Time, status string) error {
	res, err := s.exec(ctx, `UPDATE schedules
		SET last_run_at = ?, last_status = ?, run_count = run_count + 1, updated_at = ?
		WHERE id = ?`,
		formatTime(at.UTC()), status, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("touch schedule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- integrations ---

const integrationColumns = `id, type, name, config, min_severity, enabled, tenant_id,
	last_used_at, created_at, updated_at`

func (s *sqlStore) CreateIntegration(ctx context.Context, in Integration) (*Integration, error) {
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

	_, err := s.exec(ctx, `INSERT INTO integrations (`+integrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Type, strings.TrimSpace(in.Name), in.Config, in.MinSeverity,
		boolInt(in.Enabled), in.TenantID, nullablePtrTime(in.LastUsedAt),
		formatTime(in.CreatedAt), formatTime(in.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert integration: %w", err)
	}
	out := in
	return &out, nil
}

func (s *sqlStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	row := s.queryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id)
	return scanIntegration(row)
}

func (s *sqlStore) ListIntegrations(ctx context.Context, enabledOnly bool) ([]Integration, error) {
	stmt := `SELECT ` + integrationColumns + ` FROM integrations`
	if enabledOnly {
		stmt += ` WHERE enabled = 1`
	}
	stmt += ` ORDER BY created_at`

	rows, err := s.query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Integration, 0)
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			continue
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateIntegration(ctx context.Context, in Integration) (*Integration, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, fmt.Errorf("integration id required")
	}
	if err := validateIntegration(in); err != nil {
		return nil, err
	}

	res, err := s.exec(ctx, `UPDATE integrations
		SET type = ?, name = ?, config = ?, min_severity = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		in.Type, strings.TrimSpace(in.Name), in.Config, in.MinSeverity,
		boolInt(in.Enabled), formatTime(time.Now().UTC()), in.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update integration: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}
	return s.GetIntegration(ctx, in.ID)
}

func (s *sqlStore) DeleteIntegration(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM integrations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanMission(sc scanner) (*mission.Mission, error) {
	var (
		m                  mission.Mission
		autoPilot          int
		status             string
		createdAt          string
		startedAt, endedAt sql.NullString
	)
	if err := sc.Scan(
		&m.ID, &m.WorkflowID, &m.TenantID, &m.UserID, &m.Target, &m.Objective,
		&m.ScanType, &m.Config, &autoPilot, &status, &m.Error,
		&m.StepsTaken, &m.CostUSD, &createdAt, &startedAt, &endedAt,
	); err != nil {
		return nil, err
	}
	m.AutoPilot = autoPilot == 1
	m.Status = mission.Status(status)
	m.CreatedAt = parseTime(createdAt)
	m.StartedAt = parseNullTime(startedAt)
	m.EndedAt = parseNullTime(endedAt)
	return &m, nil
}

func scanFinding(sc scanner) (*mission.Finding, error) {
	var (
		f                 mission.Finding
		severity, status  string
		createdAt         string
	)
	if err := sc.Scan(
		&f.ID, &f.MissionID, &f.StepID, &severity, &f.Title, &f.Description,
		&f.AffectedAsset, &f.Evidence, &f.Reproduction, &f.Remediation,
		&f.CWE, &f.CVSS, &f.Confidence, &f.FalsePositiveLikelihood,
		&status, &createdAt,
	); err != nil {
		return nil, err
	}
	f.Severity = mission.Severity(severity)
	f.Status = mission.FindingStatus(status)
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

func scanSchedule(sc scanner) (*Schedule, error) {
	var (
		out                  Schedule
		autoPilot, enabled   int
		lastRunAt            sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(
		&out.ID, &out.Name, &out.Target, &out.Objective, &out.ScanType,
		&out.CronExpr, &out.Timezone, &autoPilot, &enabled, &out.TenantID,
		&lastRunAt, &out.LastStatus, &out.RunCount, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	out.AutoPilot = autoPilot == 1
	out.Enabled = enabled == 1
	out.LastRunAt = parseNullTimePtr(lastRunAt)
	out.CreatedAt = parseTime(createdAt)
	out.UpdatedAt = parseTime(updatedAt)
	return &out, nil
}

func scanIntegration(sc scanner) (*Integration, error) {
	var (
		out                  Integration
		enabled              int
		lastUsedAt           sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(
		&out.ID, &out.Type, &out.Name, &out.Config, &out.MinSeverity,
		&enabled, &out.TenantID, &lastUsedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	out.Enabled = enabled == 1
	out.LastUsedAt = parseNullTimePtr(lastUsedAt)
	out.CreatedAt = parseTime(createdAt)
	out.UpdatedAt = parseTime(updatedAt)
	return &out, nil
}

// --- validation ---

func validateSchedule(sc Schedule) error {
	if strings.TrimSpace(sc.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(sc.Target) == "" {
		return fmt.Errorf("target is required")
	}
	if strings.TrimSpace(sc.CronExpr) == "" {
		return fmt.Errorf("cron_expr is required")
	}
	return nil
}

var integrationTypes = map[string]bool{
	"slack": true, "discord": true, "jira": true, "linear": true, "webhook": true,
}

func validateIntegration(in Integration) error {
	if !integrationTypes[in.Type] {
		return fmt.Errorf("invalid integration type: %s", in.Type)
	}
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(in.Config) == "" {
		return fmt.Errorf("config is required")
	}
	return nil
}

// --- conversions ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullablePtrTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	return parseTime(ns.String)
}

func parseNullTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func truncateEvidence(evidence string) string {
	if len(evidence) <= maxEvidenceBytes {
		return evidence
	}
	return evidence[:maxEvidenceBytes-16] + "\n...[truncated]"
}
