/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/sentryai/sentry/internal/budget"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/tools"
)

func newEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(MissionWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	return env
}

// mockAmbient absorbs the bookkeeping activities every mission emits.
func mockAmbient(env *testsuite.TestWorkflowEnvironment) {
	var a *Activities
	env.OnActivity(a.PublishEvent, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.AppendMemory, mock.Anything, mock.Anything).Return(nil)
}

func scanInput(autoPilot bool) MissionInput {
	return MissionInput{
		MissionID: "m-1",
		TenantID:  "acme",
		Objective: "map the external attack surface of example.com",
		Targets:   []string{"app.example.com"},
		Scope:     scope.Policy{Allow: []string{"example.com", "*.example.com"}},
		AutoPilot: autoPilot,
	}
}

func scanPlan(n int) *mission.Plan {
	names := []string{"subfinder", "httpx", "nuclei", "naabu", "katana"}
	p := &mission.Plan{PlanID: "plan-1", Objective: "recon example.com"}
	for i := 1; i <= n; i++ {
		name := names[(i-1)%len(names)]
		p.Steps = append(p.Steps, mission.PlanStep{
			ID:    i,
			Title: name + " sweep",
			Tool: mission.ToolCall{
				Tool:      name,
				Target:    "app.example.com",
				Arguments: map[string]any{"target": "app.example.com"},
			},
		})
	}
	return p
}

// cleanTool answers every execution with a quiet success.
func cleanTool(_ context.Context, in ExecuteToolInput) (ExecuteToolResult, error) {
	return ExecuteToolResult{
		Tool:       in.Call.Tool,
		Target:     in.Call.Target,
		ExitCode:   0,
		DurationMS: 1200,
		OutputText: in.Call.Tool + " found nothing of note",
	}, nil
}

func TestMissionWorkflowApprovedPlanRunsToCompletion(t *testing.T) {
	env := newEnv(t)
	mockAmbient(env)
	var a *Activities

	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		Return(PlanReply{Plan: scanPlan(3), CostUSD: 0.02, Attempts: 1}, nil)
	env.OnActivity(a.ExecuteTool, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in ExecuteToolInput) (ExecuteToolResult, error) {
			res := ExecuteToolResult{
				Tool:       in.Call.Tool,
				Target:     in.Call.Target,
				ExitCode:   0,
				DurationMS: 900,
				OutputText: in.Call.Tool + " swept app.example.com",
			}
			if in.Call.Tool == "nuclei" {
				res.Findings = []mission.Finding{{
					Title:    "exposed git directory",
					Severity: mission.SeverityHigh,
				}}
				res.Assets = []tools.Asset{{Type: tools.AssetURL, Value: "https://app.example.com/.git/"}}
			}
			return res, nil
		})
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(nil)

	var notified []mission.Finding
	env.OnActivity(a.Notify, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in NotifyInput) error {
			notified = append(notified, in.Finding)
			return nil
		})

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalApprovePlan, ApprovePlanSignal{PlanID: "plan-1", ApprovedSteps: []int{1, 2, 3}})
	}, time.Minute)

	in := scanInput(false)
	in.NotifyOnFinding = true
	env.ExecuteWorkflow(MissionWorkflow, in)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusCompleted, out.Status)
	assert.Equal(t, 3, out.StepsTaken)
	assert.Empty(t, out.ErrorMessage)
	require.Len(t, out.Findings, 1)
	f := out.Findings[0]
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "m-1", f.MissionID)
	assert.Equal(t, 3, f.StepID)
	assert.Equal(t, mission.FindingNew, f.Status)
	require.Len(t, notified, 1)
	assert.Equal(t, "exposed git directory", notified[0].Title)
}

func TestMissionWorkflowStepBudgetExhaustion(t *testing.T) {
	env := newEnv(t)
	mockAmbient(env)
	var a *Activities

	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		Return(PlanReply{Plan: scanPlan(3), CostUSD: 0.01, Attempts: 1}, nil)
	env.OnActivity(a.ExecuteTool, mock.Anything, mock.Anything).Return(cleanTool)
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(nil)

	in := scanInput(true)
	in.Limits = budget.Limits{MaxSteps: 2}
	env.ExecuteWorkflow(MissionWorkflow, in)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusExhausted, out.Status)
	assert.Equal(t, 2, out.StepsTaken)
	assert.Contains(t, out.ErrorMessage, "step budget")
}

func TestMissionWorkflowSkipsOutOfScopeStep(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	var events []mission.Event
	env.OnActivity(a.PublishEvent, mock.Anything, mock.Anything).Return(
		func(_ context.Context, evt mission.Event) error {
			events = append(events, evt)
			return nil
		})
	env.OnActivity(a.AppendMemory, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(nil)

	plan := scanPlan(3)
	plan.Steps[1].Tool.Target = "internal.evil.com"
	plan.Steps[1].Tool.Arguments = map[string]any{"target": "internal.evil.com"}
	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		Return(PlanReply{Plan: plan, CostUSD: 0.01, Attempts: 1}, nil)

	var executed []string
	env.OnActivity(a.ExecuteTool, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in ExecuteToolInput) (ExecuteToolResult, error) {
			executed = append(executed, in.Call.Target)
			return cleanTool(nil, in)
		})

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalApprovePlan, ApprovePlanSignal{PlanID: "plan-1", ApprovedSteps: []int{1, 2, 3}})
	}, time.Minute)

	env.ExecuteWorkflow(MissionWorkflow, scanInput(false))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusCompleted, out.Status)
	assert.Equal(t, 2, out.StepsTaken)
	for _, target := range executed {
		assert.Equal(t, "app.example.com", target)
	}

	var violations []mission.Event
	for _, evt := range events {
		if evt.Topic == mission.TopicScopeViolation {
			violations = append(violations, evt)
		}
	}
	require.Len(t, violations, 1)
	var payload struct {
		StepID   int    `json:"step_id"`
		Target   string `json:"target"`
		Decision string `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(violations[0].Payload, &payload))
	assert.Equal(t, 2, payload.StepID)
	assert.Equal(t, "internal.evil.com", payload.Target)
	assert.Equal(t, string(scope.DeniedOutOfScope), payload.Decision)
}

func TestMissionWorkflowKillDuringExecution(t *testing.T) {
	env := newEnv(t)
	mockAmbient(env)
	var a *Activities

	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		Return(PlanReply{Plan: scanPlan(1), CostUSD: 0.01, Attempts: 1}, nil)
	env.OnActivity(a.ExecuteTool, mock.Anything, mock.Anything).
		After(5*time.Minute).
		Return(ExecuteToolResult{Tool: "subfinder", Target: "app.example.com", ExitCode: 0}, nil)
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalKill, KillSignal{})
	}, time.Minute)

	env.ExecuteWorkflow(MissionWorkflow, scanInput(true))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusKilled, out.Status)
	assert.Equal(t, defaultKillReason, out.ErrorMessage)
}

func TestMissionWorkflowKillWhileAwaitingApproval(t *testing.T) {
	env := newEnv(t)
	mockAmbient(env)
	var a *Activities

	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		Return(PlanReply{Plan: scanPlan(2), CostUSD: 0.01, Attempts: 1}, nil)
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalKill, KillSignal{Reason: "changed my mind"})
	}, time.Minute)

	env.ExecuteWorkflow(MissionWorkflow, scanInput(false))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusKilled, out.Status)
	assert.Equal(t, "changed my mind", out.ErrorMessage)
	assert.Zero(t, out.StepsTaken)
}

func TestMissionWorkflowLoopDetectionFailsMission(t *testing.T) {
	env := newEnv(t)
	mockAmbient(env)
	var a *Activities

	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		Return(PlanReply{Plan: scanPlan(1), CostUSD: 0.01, Attempts: 1}, nil)
	env.OnActivity(a.ExecuteTool, mock.Anything, mock.Anything).Return(cleanTool)
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(nil)

	// The agent keeps asking for the identical sweep it already ran.
	env.OnActivity(a.AgentThink, mock.Anything, mock.Anything).Return(
		ThinkReply{
			Step: &mission.AgentStep{
				Thought: "re-run the subdomain sweep",
				ToolCall: &mission.ToolCall{
					Tool:      "subfinder",
					Target:    "app.example.com",
					Arguments: map[string]any{"target": "app.example.com"},
				},
			},
			CostUSD: 0.005,
		}, nil)

	in := scanInput(true)
	in.Limits = budget.Limits{LoopWindow: 4}
	env.ExecuteWorkflow(MissionWorkflow, in)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusFailed, out.Status)
	assert.Equal(t, "loop detected", out.ErrorMessage)
	assert.Equal(t, 4, out.StepsTaken)
}

func TestMissionWorkflowLastApprovalWins(t *testing.T) {
	env := newEnv(t)
	mockAmbient(env)
	var a *Activities

	// Planning held open so both approvals arrive before execution. The
	// later, narrower re-approval must win.
	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		After(30*time.Second).
		Return(PlanReply{Plan: scanPlan(3), CostUSD: 0.01, Attempts: 1}, nil)

	var executed []string
	env.OnActivity(a.ExecuteTool, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in ExecuteToolInput) (ExecuteToolResult, error) {
			executed = append(executed, in.Call.Tool)
			return cleanTool(nil, in)
		})
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalApprovePlan, ApprovePlanSignal{ApprovedSteps: []int{1, 2, 3}})
	}, 10*time.Second)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalApprovePlan, ApprovePlanSignal{ApprovedSteps: []int{2}})
	}, 20*time.Second)

	env.ExecuteWorkflow(MissionWorkflow, scanInput(false))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusCompleted, out.Status)
	assert.Equal(t, 1, out.StepsTaken)
	assert.Equal(t, []string{"httpx"}, executed)

	val, err := env.QueryWorkflow(QueryStatus)
	require.NoError(t, err)
	var info StatusInfo
	require.NoError(t, val.Get(&info))
	assert.Equal(t, []int{2}, info.ApprovedSteps)
}

func TestMissionWorkflowPauseAndResume(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	var statuses []string
	env.OnActivity(a.PublishEvent, mock.Anything, mock.Anything).Return(
		func(_ context.Context, evt mission.Event) error {
			if evt.Topic == mission.TopicStatus {
				var payload struct {
					Status string `json:"status"`
				}
				if err := json.Unmarshal(evt.Payload, &payload); err == nil {
					statuses = append(statuses, payload.Status)
				}
			}
			return nil
		})
	env.OnActivity(a.AppendMemory, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(nil)

	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		Return(PlanReply{Plan: scanPlan(2), CostUSD: 0.01, Attempts: 1}, nil)
	env.OnActivity(a.ExecuteTool, mock.Anything, mock.Anything).
		After(2*time.Minute).
		Return(ExecuteToolResult{Tool: "subfinder", Target: "app.example.com", ExitCode: 0, DurationMS: 120000, OutputText: "ok"}, nil)
	env.OnActivity(a.AgentThink, mock.Anything, mock.Anything).Return(
		ThinkReply{Step: &mission.AgentStep{Thought: "objective met", IsComplete: true}, CostUSD: 0.005}, nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalPause, nil)
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalResume, nil)
	}, 5*time.Minute)

	env.ExecuteWorkflow(MissionWorkflow, scanInput(true))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusCompleted, out.Status)
	assert.Equal(t, 2, out.StepsTaken)

	pausedAt := -1
	for i, s := range statuses {
		if s == string(mission.StatusPaused) {
			pausedAt = i
		}
	}
	require.GreaterOrEqual(t, pausedAt, 0, "no paused status emitted: %v", statuses)
	require.Less(t, pausedAt+1, len(statuses), "mission stayed paused: %v", statuses)
	assert.Equal(t, string(mission.StatusExecuting), statuses[pausedAt+1])
	assert.Equal(t, string(mission.StatusCompleted), statuses[len(statuses)-1])
}

func TestMissionWorkflowPlanningFailure(t *testing.T) {
	env := newEnv(t)
	mockAmbient(env)
	var a *Activities

	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		Return(PlanReply{}, errors.New("provider unreachable"))

	var recorded mission.ScanOutput
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(
		func(_ context.Context, out mission.ScanOutput) error {
			recorded = out
			return nil
		})

	env.ExecuteWorkflow(MissionWorkflow, scanInput(true))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusFailed, out.Status)
	assert.Equal(t, "agent error", out.ErrorMessage)
	assert.Equal(t, mission.StatusFailed, recorded.Status)
	assert.NotNil(t, recorded.Findings)
}

func TestMissionWorkflowRejectsMissingObjective(t *testing.T) {
	env := newEnv(t)

	env.ExecuteWorkflow(MissionWorkflow, MissionInput{MissionID: "m-9", Objective: "   "})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusFailed, out.Status)
	assert.Contains(t, out.ErrorMessage, "objective")
	assert.NotNil(t, out.Findings)
	assert.Empty(t, out.Findings)
}

func TestMissionWorkflowRejectsBadScopePolicy(t *testing.T) {
	env := newEnv(t)
	mockAmbient(env)
	var a *Activities
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).Return(nil)

	in := scanInput(true)
	in.Scope.AllowCIDRs = []string{"10.0.0.0/99"}
	env.ExecuteWorkflow(MissionWorkflow, in)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusFailed, out.Status)
	assert.Contains(t, out.ErrorMessage, "invalid scope policy")
}

func TestMissionWorkflowTerminalRecordFailureTolerated(t *testing.T) {
	env := newEnv(t)
	mockAmbient(env)
	var a *Activities

	env.OnActivity(a.GeneratePlan, mock.Anything, mock.Anything).
		Return(PlanReply{Plan: scanPlan(1), CostUSD: 0.01, Attempts: 1}, nil)
	env.OnActivity(a.ExecuteTool, mock.Anything, mock.Anything).Return(cleanTool)
	env.OnActivity(a.RecordMission, mock.Anything, mock.Anything).
		Return(errors.New("database offline"))

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalApprovePlan, ApprovePlanSignal{ApprovedSteps: []int{1}})
	}, 10*time.Second)

	env.ExecuteWorkflow(MissionWorkflow, scanInput(false))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out mission.ScanOutput
	require.NoError(t, env.GetWorkflowResult(&out))

	assert.Equal(t, mission.StatusCompleted, out.Status)
	assert.Equal(t, 1, out.StepsTaken)
}
