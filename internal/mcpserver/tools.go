package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/workflow"
)

type missionStartInput struct {
	Target    string   `json:"target,omitempty" jsonschema:"primary target to scan (host, URL, or CIDR)"`
	Targets   []string `json:"targets,omitempty" jsonschema:"additional targets; merged with target"`
	Objective string   `json:"objective" jsonschema:"what the mission should accomplish"`
	ScanType  string   `json:"scan_type,omitempty" jsonschema:"scan profile: quick, standard, or deep"`
	AutoPilot bool     `json:"auto_pilot,omitempty" jsonschema:"skip the plan approval gate and execute immediately"`
}

type missionIDInput struct {
	MissionID string `json:"mission_id" jsonschema:"mission identifier returned by mission_start"`
}

type scopeCheckInput struct {
	Targets         []string `json:"targets" jsonschema:"targets to evaluate"`
	Allow           []string `json:"allow,omitempty" jsonschema:"allowed host/domain patterns"`
	Exclude         []string `json:"exclude,omitempty" jsonschema:"excluded host/domain patterns"`
	AllowCIDRs      []string `json:"allow_cidrs,omitempty" jsonschema:"allowed IP ranges in CIDR form"`
	ExcludeCIDRs    []string `json:"exclude_cidrs,omitempty" jsonschema:"excluded IP ranges in CIDR form"`
	AllowPrivateIPs bool     `json:"allow_private_ips,omitempty" jsonschema:"permit RFC1918 and other private addresses"`
	AllowLocalhost  bool     `json:"allow_localhost,omitempty" jsonschema:"permit loopback addresses"`
}

type missionStatusResult struct {
	Mission *mission.Mission     `json:"mission"`
	Live    *workflow.StatusInfo `json:"live,omitempty"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "mission_start",
		Description: "Launch a new security scan mission against one or more targets. Returns the created mission including its id.",
	}, s.handleMissionStart)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "mission_status",
		Description: "Fetch the current state of a mission: lifecycle status, step and cost counters, and live workflow detail when the mission is still running.",
	}, s.handleMissionStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "mission_findings",
		Description: "List the findings a mission has reported so far, ordered most severe first.",
	}, s.handleMissionFindings)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "mission_cancel",
		Description: "Request cancellation of a running mission. The mission winds down gracefully and keeps the findings it already produced.",
	}, s.handleMissionCancel)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "scope_check",
		Description: "Evaluate targets against a scope policy without starting a mission. Returns an allow/deny verdict with a reason for each target.",
	}, s.handleScopeCheck)
}

func (s *MCPServer) handleMissionStart(ctx context.Context, _ *mcp.CallToolRequest, input missionStartInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Objective) == "" {
		return nil, nil, fmt.Errorf("objective is required")
	}
	if strings.TrimSpace(input.Target) == "" && len(input.Targets) == 0 {
		return nil, nil, fmt.Errorf("at least one target is required")
	}

	m, err := s.core.StartMission(ctx, StartParams{
		Target:    strings.TrimSpace(input.Target),
		Targets:   input.Targets,
		Objective: input.Objective,
		ScanType:  input.ScanType,
		AutoPilot: input.AutoPilot,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start mission: %w", err)
	}

	s.logger.Info("mission started via mcp",
		zap.String("mission_id", m.ID),
		zap.String("target", m.Target))

	return jsonToolResult(m)
}

func (s *MCPServer) handleMissionStatus(ctx context.Context, _ *mcp.CallToolRequest, input missionIDInput) (*mcp.CallToolResult, any, error) {
	if input.MissionID == "" {
		return nil, nil, fmt.Errorf("mission_id is required")
	}

	m, live, err := s.core.GetMission(ctx, input.MissionID)
	if err != nil {
		return nil, nil, fmt.Errorf("get mission %s: %w", input.MissionID, err)
	}

	return jsonToolResult(missionStatusResult{Mission: m, Live: live})
}

func (s *MCPServer) handleMissionFindings(ctx context.Context, _ *mcp.CallToolRequest, input missionIDInput) (*mcp.CallToolResult, any, error) {
	if input.MissionID == "" {
		return nil, nil, fmt.Errorf("mission_id is required")
	}

	findings, err := s.core.MissionFindings(ctx, input.MissionID)
	if err != nil {
		return nil, nil, fmt.Errorf("list findings for %s: %w", input.MissionID, err)
	}

	return jsonToolResult(map[string]any{
		"mission_id": input.MissionID,
		"findings":   findings,
		"total":      len(findings),
	})
}

func (s *MCPServer) handleMissionCancel(ctx context.Context, _ *mcp.CallToolRequest, input missionIDInput) (*mcp.CallToolResult, any, error) {
	if input.MissionID == "" {
		return nil, nil, fmt.Errorf("mission_id is required")
	}

	if err := s.core.CancelMission(ctx, input.MissionID); err != nil {
		return nil, nil, fmt.Errorf("cancel mission %s: %w", input.MissionID, err)
	}

	s.logger.Info("mission cancelled via mcp", zap.String("mission_id", input.MissionID))

	return textToolResult(fmt.Sprintf("cancellation requested for mission %s", input.MissionID))
}

func (s *MCPServer) handleScopeCheck(_ context.Context, _ *mcp.CallToolRequest, input scopeCheckInput) (*mcp.CallToolResult, any, error) {
	if len(input.Targets) == 0 {
		return nil, nil, fmt.Errorf("at least one target is required")
	}

	verdicts, err := s.core.CheckScope(scope.Policy{
		Allow:           input.Allow,
		Exclude:         input.Exclude,
		AllowCIDRs:      input.AllowCIDRs,
		ExcludeCIDRs:    input.ExcludeCIDRs,
		AllowPrivateIPs: input.AllowPrivateIPs,
		AllowLocalhost:  input.AllowLocalhost,
	}, input.Targets)
	if err != nil {
		return nil, nil, fmt.Errorf("check scope: %w", err)
	}

	return jsonToolResult(map[string]any{"results": verdicts})
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func textToolResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}
