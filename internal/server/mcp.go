package server

import (
	"context"
	"fmt"

	"github.com/sentryai/sentry/internal/mcpserver"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/store"
	"github.com/sentryai/sentry/internal/tools"
	"github.com/sentryai/sentry/internal/workflow"
)

// mcpCore adapts the server to the mcpserver.Core surface. Missions started
// over MCP carry the synthetic user "mcp" so the audit trail distinguishes
// them from API and schedule launches.
type mcpCore struct {
	s *Server
}

func (c *mcpCore) StartMission(ctx context.Context, p mcpserver.StartParams) (*mission.Mission, error) {
	targets := p.Targets
	if p.Target != "" {
		targets = append([]string{p.Target}, targets...)
	}
	return c.s.startMission(ctx, startRequest{
		UserID:    "mcp",
		Targets:   targets,
		Objective: p.Objective,
		ScanType:  p.ScanType,
		AutoPilot: p.AutoPilot,
	})
}

func (c *mcpCore) GetMission(ctx context.Context, missionID string) (*mission.Mission, *workflow.StatusInfo, error) {
	m, err := c.s.store.GetMission(ctx, missionID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil, fmt.Errorf("mission %s not found", missionID)
		}
		return nil, nil, err
	}

	var live *workflow.StatusInfo
	if !m.Status.Terminal() {
		if info, err := c.s.backend.QueryMissionStatus(ctx, missionID); err == nil {
			live = &info
		}
	}
	return m, live, nil
}

func (c *mcpCore) MissionFindings(ctx context.Context, missionID string) ([]mission.Finding, error) {
	if _, err := c.s.store.GetMission(ctx, missionID); err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("mission %s not found", missionID)
		}
		return nil, err
	}
	return c.s.store.ListFindings(ctx, store.FindingQuery{MissionID: missionID, Limit: 200})
}

func (c *mcpCore) CancelMission(ctx context.Context, missionID string) error {
	if _, err := c.s.store.GetMission(ctx, missionID); err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("mission %s not found", missionID)
		}
		return err
	}
	return c.s.KillMission(ctx, missionID, "mcp cancel")
}

func (c *mcpCore) CheckScope(policy scope.Policy, targets []string) ([]scope.Verdict, error) {
	enf, err := scope.NewEnforcer(policy, c.s.log.Named("scope"))
	if err != nil {
		return nil, err
	}
	verdicts := make([]scope.Verdict, 0, len(targets))
	for _, t := range targets {
		verdicts = append(verdicts, enf.CheckTarget(t))
	}
	return verdicts, nil
}

func (c *mcpCore) ListMissions(ctx context.Context, limit int) ([]mission.Mission, error) {
	return c.s.store.ListMissions(ctx, store.MissionQuery{Limit: limit})
}

func (c *mcpCore) ListTools() []tools.Schema {
	return c.s.registry.List()
}
