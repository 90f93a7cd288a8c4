package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sentryai/sentry/internal/mission"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := openSQLite(filepath.Join(t.TempDir(), "sentry.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func createTestMission(t *testing.T, st Store) *mission.Mission {
	t.Helper()
	m, err := st.CreateMission(context.Background(), mission.Mission{
		Target:    "example.com",
		Objective: "full perimeter scan",
		ScanType:  "recon",
		AutoPilot: true,
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return m
}

func TestMissionLifecycle(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := createTestMission(t, st)
			if created.ID == "" {
				t.Fatal("expected generated id")
			}
			if created.Status != mission.StatusPending {
				t.Fatalf("expected pending status, got %q", created.Status)
			}
			if created.CreatedAt.IsZero() {
				t.Fatal("expected created_at stamp")
			}

			fetched, err := st.GetMission(ctx, created.ID)
			if err != nil {
				t.Fatalf("get mission: %v", err)
			}
			if fetched.Target != "example.com" || !fetched.AutoPilot {
				t.Fatalf("unexpected row: %+v", fetched)
			}

			if err := st.UpdateMissionStatus(ctx, created.ID, mission.StatusExecuting, ""); err != nil {
				t.Fatalf("update status: %v", err)
			}
			fetched, err = st.GetMission(ctx, created.ID)
			if err != nil {
				t.Fatalf("get mission: %v", err)
			}
			if fetched.Status != mission.StatusExecuting {
				t.Fatalf("expected executing, got %q", fetched.Status)
			}
			if fetched.StartedAt.IsZero() {
				t.Fatal("expected started_at stamped on first transition")
			}

			err = st.FinishMission(ctx, mission.ScanOutput{
				MissionID:  created.ID,
				Status:     mission.StatusCompleted,
				StepsTaken: 12,
				CostUSD:    1.37,
			})
			if err != nil {
				t.Fatalf("finish mission: %v", err)
			}
			fetched, err = st.GetMission(ctx, created.ID)
			if err != nil {
				t.Fatalf("get mission: %v", err)
			}
			if fetched.Status != mission.StatusCompleted || fetched.StepsTaken != 12 {
				t.Fatalf("unexpected terminal row: %+v", fetched)
			}
			if fetched.CostUSD < 1.36 || fetched.CostUSD > 1.38 {
				t.Fatalf("cost_usd = %v", fetched.CostUSD)
			}
			if fetched.EndedAt.IsZero() {
				t.Fatal("expected ended_at stamp")
			}

			if err := st.DeleteMission(ctx, created.ID); err != nil {
				t.Fatalf("delete mission: %v", err)
			}
			if _, err := st.GetMission(ctx, created.ID); !IsNotFound(err) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
		})
	}
}

func TestCreateMissionRequiresTarget(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.CreateMission(context.Background(), mission.Mission{}); err == nil {
				t.Fatal("expected error for empty target")
			}
		})
	}
}

func TestFinishMissionRecreatesLostRow(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := st.FinishMission(ctx, mission.ScanOutput{
				MissionID:    "ghost-1",
				Status:       mission.StatusFailed,
				ErrorMessage: "agent error",
			})
			if err != nil {
				t.Fatalf("finish mission: %v", err)
			}
			m, err := st.GetMission(ctx, "ghost-1")
			if err != nil {
				t.Fatalf("get recreated mission: %v", err)
			}
			if m.Status != mission.StatusFailed || m.Error != "agent error" {
				t.Fatalf("unexpected recreated row: %+v", m)
			}
		})
	}
}

func TestListMissionsFilterAndLimit(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Hour)
			for i := 0; i < 3; i++ {
				_, err := st.CreateMission(ctx, mission.Mission{
					Target:    "example.com",
					Status:    mission.StatusExecuting,
					TenantID:  "acme",
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				})
				if err != nil {
					t.Fatalf("create mission: %v", err)
				}
			}
			_, err := st.CreateMission(ctx, mission.Mission{
				Target: "other.com", Status: mission.StatusCompleted, TenantID: "globex",
			})
			if err != nil {
				t.Fatalf("create mission: %v", err)
			}

			got, err := st.ListMissions(ctx, MissionQuery{Status: mission.StatusExecuting, Limit: 2})
			if err != nil {
				t.Fatalf("list missions: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 missions, got %d", len(got))
			}
			if got[0].CreatedAt.Before(got[1].CreatedAt) {
				t.Fatal("expected newest first")
			}

			got, err = st.ListMissions(ctx, MissionQuery{TenantID: "globex"})
			if err != nil {
				t.Fatalf("list missions: %v", err)
			}
			if len(got) != 1 || got[0].Target != "other.com" {
				t.Fatalf("unexpected tenant filter result: %+v", got)
			}
		})
	}
}

func TestFindingsAppendListUpdate(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := createTestMission(t, st)

			now := time.Now().UTC()
			err := st.AppendFindings(ctx, m.ID, []mission.Finding{
				{
					Severity:  mission.SeverityHigh,
					Title:     "exposed admin panel",
					Evidence:  "GET /admin 200",
					CreatedAt: now.Add(-time.Minute),
				},
				{
					Severity:  mission.SeverityLow,
					Title:     "server header disclosure",
					CreatedAt: now,
				},
			})
			if err != nil {
				t.Fatalf("append findings: %v", err)
			}

			got, err := st.ListFindings(ctx, FindingQuery{MissionID: m.ID})
			if err != nil {
				t.Fatalf("list findings: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 findings, got %d", len(got))
			}
			if got[0].Title != "server header disclosure" {
				t.Fatalf("expected newest first, got %q", got[0].Title)
			}
			if got[1].Status != mission.FindingNew {
				t.Fatalf("expected default status new, got %q", got[1].Status)
			}

			high, err := st.ListFindings(ctx, FindingQuery{MissionID: m.ID, Severity: mission.SeverityHigh})
			if err != nil {
				t.Fatalf("list by severity: %v", err)
			}
			if len(high) != 1 || high[0].Title != "exposed admin panel" {
				t.Fatalf("unexpected severity filter result: %+v", high)
			}

			if err := st.UpdateFindingStatus(ctx, high[0].ID, mission.FindingConfirmed); err != nil {
				t.Fatalf("update finding status: %v", err)
			}
			confirmed, err := st.ListFindings(ctx, FindingQuery{Status: mission.FindingConfirmed})
			if err != nil {
				t.Fatalf("list by status: %v", err)
			}
			if len(confirmed) != 1 {
				t.Fatalf("expected 1 confirmed finding, got %d", len(confirmed))
			}

			if err := st.UpdateFindingStatus(ctx, "nope", mission.FindingResolved); !IsNotFound(err) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestAppendFindingsTruncatesEvidence(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := createTestMission(t, st)

			err := st.AppendFindings(ctx, m.ID, []mission.Finding{{
				Severity: mission.SeverityInfo,
				Title:    "huge response",
				Evidence: strings.Repeat("A", maxEvidenceBytes*2),
			}})
			if err != nil {
				t.Fatalf("append findings: %v", err)
			}
			got, err := st.ListFindings(ctx, FindingQuery{MissionID: m.ID})
			if err != nil {
				t.Fatalf("list findings: %v", err)
			}
			if len(got[0].Evidence) > maxEvidenceBytes {
				t.Fatalf("evidence not truncated: %d bytes", len(got[0].Evidence))
			}
			if !strings.HasSuffix(got[0].Evidence, "...[truncated]") {
				t.Fatal("expected truncation marker")
			}
		})
	}
}

func TestAppendFindingsReplaySafe(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := createTestMission(t, st)

			fs := []mission.Finding{{
				ID:       "f-replay-1",
				Severity: mission.SeverityHigh,
				Title:    "exposed admin panel",
			}}
			// A retried record activity delivers the same batch twice.
			if err := st.AppendFindings(ctx, m.ID, fs); err != nil {
				t.Fatalf("first append: %v", err)
			}
			if err := st.AppendFindings(ctx, m.ID, fs); err != nil {
				t.Fatalf("second append: %v", err)
			}
			got, err := st.ListFindings(ctx, FindingQuery{MissionID: m.ID})
			if err != nil {
				t.Fatalf("list findings: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("replayed append duplicated findings: %d rows", len(got))
			}
		})
	}
}

func TestScheduleLifecycle(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := st.CreateSchedule(ctx, Schedule{
				Name:      "nightly perimeter",
				Target:    "example.com",
				Objective: "perimeter sweep",
				CronExpr:  "0 2 * * *",
				AutoPilot: true,
				Enabled:   true,
			})
			if err != nil {
				t.Fatalf("create schedule: %v", err)
			}
			if created.ID == "" || created.Timezone != "UTC" {
				t.Fatalf("unexpected defaults: %+v", created)
			}

			created.CronExpr = "30 3 * * *"
			created.Enabled = false
			updated, err := st.UpdateSchedule(ctx, *created)
			if err != nil {
				t.Fatalf("update schedule: %v", err)
			}
			if updated.CronExpr != "30 3 * * *" || updated.Enabled {
				t.Fatalf("unexpected update result: %+v", updated)
			}

			enabled, err := st.ListSchedules(ctx, true)
			if err != nil {
				t.Fatalf("list schedules: %v", err)
			}
			if len(enabled) != 0 {
				t.Fatalf("expected no enabled schedules, got %d", len(enabled))
			}
			all, err := st.ListSchedules(ctx, false)
			if err != nil {
				t.Fatalf("list schedules: %v", err)
			}
			if len(all) != 1 {
				t.Fatalf("expected 1 schedule, got %d", len(all))
			}

			at := time.Now().UTC()
			if err := st.TouchSchedule(ctx, created.ID, at, "completed"); err != nil {
				t.Fatalf("touch schedule: %v", err)
			}
			touched, err := st.GetSchedule(ctx, created.ID)
			if err != nil {
				t.Fatalf("get schedule: %v", err)
			}
			if touched.RunCount != 1 || touched.LastStatus != "completed" || touched.LastRunAt == nil {
				t.Fatalf("unexpected touch result: %+v", touched)
			}

			if err := st.DeleteSchedule(ctx, created.ID); err != nil {
				t.Fatalf("delete schedule: %v", err)
			}
			if _, err := st.GetSchedule(ctx, created.ID); !IsNotFound(err) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestScheduleValidation(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.CreateSchedule(ctx, Schedule{Target: "x", CronExpr: "* * * * *"}); err == nil {
				t.Fatal("expected name validation error")
			}
			if _, err := st.CreateSchedule(ctx, Schedule{Name: "x", Target: "x"}); err == nil {
				t.Fatal("expected cron validation error")
			}
		})
	}
}

func TestIntegrationLifecycle(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := st.CreateIntegration(ctx, Integration{
				Type:        "slack",
				Name:        "sec-alerts",
				Config:      `{"webhook_url":"https://hooks.slack.com/services/T/B/x"}`,
				MinSeverity: "high",
				Enabled:     true,
			})
			if err != nil {
				t.Fatalf("create integration: %v", err)
			}

			if _, err := st.CreateIntegration(ctx, Integration{Type: "carrier-pigeon", Name: "x", Config: "{}"}); err == nil {
				t.Fatal("expected invalid type error")
			}

			created.Enabled = false
			if _, err := st.UpdateIntegration(ctx, *created); err != nil {
				t.Fatalf("update integration: %v", err)
			}
			enabled, err := st.ListIntegrations(ctx, true)
			if err != nil {
				t.Fatalf("list integrations: %v", err)
			}
			if len(enabled) != 0 {
				t.Fatalf("expected no enabled integrations, got %d", len(enabled))
			}

			if err := st.DeleteIntegration(ctx, created.ID); err != nil {
				t.Fatalf("delete integration: %v", err)
			}
			if _, err := st.GetIntegration(ctx, created.ID); !IsNotFound(err) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestOpenFallsBackToMemory(t *testing.T) {
	// Parent directory does not exist, so SQLite cannot create the file.
	st, err := Open("", filepath.Join(t.TempDir(), "missing", "deeper"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("expected memory fallback, got %T", st)
	}
}

func TestOpenSQLite(t *testing.T) {
	st, err := Open("", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, ok := st.(*sqlStore); !ok {
		t.Fatalf("expected sqlite store, got %T", st)
	}
}

func TestRebind(t *testing.T) {
	pg := &sqlStore{dialect: dialectPostgres}
	got := pg.rebind(`UPDATE missions SET status = ?, error = ? WHERE id = ?`)
	want := `UPDATE missions SET status = $1, error = $2 WHERE id = $3`
	if got != want {
		t.Fatalf("rebind:\n got %s\nwant %s", got, want)
	}

	lite := &sqlStore{dialect: dialectSQLite}
	if got := lite.rebind(`SELECT ?`); got != `SELECT ?` {
		t.Fatalf("sqlite rebind changed the statement: %s", got)
	}
}
