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
	"fmt"
	"strings"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/budget"
	"github.com/sentryai/sentry/internal/events/redisbridge"
	"github.com/sentryai/sentry/internal/guardrail"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/sandbox"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/shared/security"
	"github.com/sentryai/sentry/internal/telemetry"
	"github.com/sentryai/sentry/internal/tools"
)

// Notifier delivers finding alerts to external integrations.
type Notifier interface {
	NotifyFinding(ctx context.Context, f mission.Finding) error
}

// MissionRecorder persists terminal mission state. Both methods must be
// idempotent: the record activity retries.
type MissionRecorder interface {
	FinishMission(ctx context.Context, out mission.ScanOutput) error
	AppendFindings(ctx context.Context, missionID string, fs []mission.Finding) error
}

// Activities bundles the worker-side dependencies of the mission workflow.
// Nil optional fields (Redis, Memory, Notifier, Recorder) turn the matching
// activity into a no-op so stripped-down deployments still run.
type Activities struct {
	Engine   *guardrail.Engine
	Registry *tools.Registry
	Runner   sandbox.Runner
	Redis    redisbridge.Conn
	Memory   guardrail.Memory
	Notifier Notifier
	Recorder MissionRecorder
	Log      *zap.Logger
}

func (a *Activities) logger() *zap.Logger {
	if a.Log != nil {
		return a.Log
	}
	return zap.NewNop()
}

// PlanRequest asks for a first-turn execution plan.
type PlanRequest struct {
	MissionID string       `json:"mission_id"`
	Objective string       `json:"objective"`
	Targets   []string     `json:"targets,omitempty"`
	Scope     scope.Policy `json:"scope"`
}

// PlanReply carries the validated plan plus what it cost to produce.
type PlanReply struct {
	Plan     *mission.Plan `json:"plan"`
	CostUSD  float64       `json:"cost_usd"`
	Attempts int           `json:"attempts"`
}

// GeneratePlan runs the guardrailed planning turn.
func (a *Activities) GeneratePlan(ctx context.Context, req PlanRequest) (PlanReply, error) {
	res, err := a.Engine.Plan(ctx, guardrail.PlanInput{
		MissionID: req.MissionID,
		Goal:      missionGoal(req.Objective, req.Targets),
		Tools:     a.Registry.List(),
		Scope:     req.Scope,
	})
	return PlanReply{Plan: res.Plan, CostUSD: res.CostUSD, Attempts: res.Attempts}, err
}

// ThinkRequest asks for one agent turn.
type ThinkRequest struct {
	MissionID   string           `json:"mission_id"`
	Objective   string           `json:"objective"`
	Targets     []string         `json:"targets,omitempty"`
	Scope       scope.Policy     `json:"scope"`
	Budget      *budget.Snapshot `json:"budget,omitempty"`
	Observation string           `json:"observation,omitempty"`
}

// ThinkReply carries the validated step plus what the turn cost.
type ThinkReply struct {
	Step     *mission.AgentStep `json:"step"`
	CostUSD  float64            `json:"cost_usd"`
	Attempts int                `json:"attempts"`
}

// AgentThink runs one guardrailed reasoning turn. The engine appends the
// validated step to mission memory itself.
func (a *Activities) AgentThink(ctx context.Context, req ThinkRequest) (ThinkReply, error) {
	res, err := a.Engine.Think(ctx, guardrail.ThinkInput{
		MissionID:   req.MissionID,
		Goal:        missionGoal(req.Objective, req.Targets),
		Tools:       a.Registry.List(),
		Scope:       req.Scope,
		Budget:      req.Budget,
		Observation: req.Observation,
	})
	return ThinkReply{Step: res.Step, CostUSD: res.CostUSD, Attempts: res.Attempts}, err
}

// ExecuteToolInput identifies one sanctioned tool invocation.
type ExecuteToolInput struct {
	MissionID string           `json:"mission_id"`
	TenantID  string           `json:"tenant_id,omitempty"`
	StepID    int              `json:"step_id"`
	Call      mission.ToolCall `json:"call"`
	Scope     scope.Policy     `json:"scope"`
}

// ExecuteToolResult reports the outcome of a tool run. Tool failures are
// data, not activity errors: the workflow owns the retry budget, so the
// activity only errors on infrastructure faults and cancellation.
type ExecuteToolResult struct {
	Tool       string            `json:"tool"`
	Target     string            `json:"target,omitempty"`
	Denied     bool              `json:"denied,omitempty"`
	DenyReason string            `json:"deny_reason,omitempty"`
	Failed     bool              `json:"failed,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`
	Error      string            `json:"error,omitempty"`
	ExitCode   int               `json:"exit_code"`
	TimedOut   bool              `json:"timed_out,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	OutputText string            `json:"output_text,omitempty"`
	Findings   []mission.Finding `json:"findings,omitempty"`
	Assets     []tools.Asset     `json:"assets,omitempty"`
	CostUSD    float64           `json:"cost_usd,omitempty"`
}

// ExecuteTool vets the call against scope a second time, synthesizes the
// command, runs it in the sandbox, and parses the output. The workflow
// already vetted scope before dispatch; the re-check here keeps a stale
// plan replayed on new policy from reaching the network.
func (a *Activities) ExecuteTool(ctx context.Context, in ExecuteToolInput) (ExecuteToolResult, error) {
	log := a.logger().With(
		zap.String("mission_id", in.MissionID),
		zap.String("tool", in.Call.Tool),
		zap.Int("step_id", in.StepID),
	)
	res := ExecuteToolResult{Tool: in.Call.Tool, Target: in.Call.Target}

	schema, ok := a.Registry.Get(in.Call.Tool)
	if !ok {
		res.Failed = true
		res.Error = fmt.Sprintf("unknown tool %q", in.Call.Tool)
		return res, nil
	}

	enforcer, err := scope.NewEnforcer(in.Scope, a.logger())
	if err != nil {
		return res, fmt.Errorf("compile scope policy: %w", err)
	}
	args := mergeTarget(schema, in.Call)
	if v := enforcer.CheckCall(in.Call.Target, args); !v.Allowed() {
		_, span := telemetry.StartToolSpan(ctx, in.Call.Tool, v.Target)
		telemetry.EndToolSpan(span, -1, true, v.Reason)
		res.Denied = true
		res.DenyReason = v.Reason
		res.Target = v.Target
		return res, nil
	}

	if err := tools.ValidateArgs(schema, args); err != nil {
		res.Failed = true
		res.Error = err.Error()
		return res, nil
	}
	argv, err := tools.BuildCommand(schema, args)
	if err != nil {
		res.Failed = true
		res.Error = err.Error()
		return res, nil
	}

	timeout := schema.Timeout()
	if in.Call.TimeoutSeconds > 0 {
		if explicit := time.Duration(in.Call.TimeoutSeconds) * time.Second; explicit < timeout {
			timeout = explicit
		}
	}
	// The schema names its own container; builtins without one fall back to
	// the upstream default image. The runner rejects a tool that resolves to
	// neither, and that rejection is terminal below.
	image := schema.Image
	if image == "" {
		image, _ = sandbox.ImageFor(in.Call.Tool)
	}

	stop := a.heartbeat(ctx)
	defer stop()

	log.Info("executing tool", zap.Strings("argv", argv), zap.Duration("timeout", timeout))
	runCtx, span := telemetry.StartToolSpan(ctx, in.Call.Tool, in.Call.Target)
	run, err := a.Runner.Run(runCtx, sandbox.Spec{
		Image:     image,
		Argv:      argv,
		Timeout:   timeout,
		Namespace: containerNamespace(in.TenantID, in.MissionID),
	})
	if err != nil {
		span.RecordError(err)
		span.End()
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Failed = true
		res.Retryable = !sandbox.IsSetupFailure(err)
		res.Error = err.Error()
		return res, nil
	}
	telemetry.EndToolSpan(span, run.ExitCode, false, "")

	res.ExitCode = run.ExitCode
	res.TimedOut = run.TimedOut
	res.DurationMS = run.Duration.Milliseconds()
	res.OutputText = clipOutput(security.Sanitize(observationText(run)))
	a.publishLogs(ctx, in.MissionID, in.StepID, run)

	if run.ExitCode != 0 {
		res.Failed = true
		res.Retryable = sandbox.IsRetryable(run)
		res.Error = clipOutput(security.Sanitize(strings.TrimSpace(run.Stderr)))
		if res.Error == "" {
			res.Error = fmt.Sprintf("exit code %d", run.ExitCode)
		}
		return res, nil
	}

	out := tools.ParseOutput(schema, []byte(run.Stdout))
	res.Findings = tools.ExtractFindings(schema, out)
	res.Assets = tools.ExtractAssets(schema, out)
	// Evidence blobs carry raw response fragments; scrub credentials before
	// they reach prompts, events or the store.
	for i := range res.Findings {
		res.Findings[i].Evidence = security.Sanitize(res.Findings[i].Evidence)
	}
	for _, rec := range out.Records {
		if c, ok := rec["cost_usd"].(float64); ok {
			res.CostUSD += c
		}
	}
	return res, nil
}

// heartbeat pumps activity heartbeats while a container runs so the
// heartbeat timeout can detect a dead worker without capping tool runtime.
func (a *Activities) heartbeat(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// publishLogs streams the captured output onto the per-mission log channel.
// Best effort: observers losing a log line never fails a step.
func (a *Activities) publishLogs(ctx context.Context, missionID string, stepID int, run sandbox.Result) {
	if a.Redis == nil {
		return
	}
	for _, s := range []struct{ stream, text string }{
		{"stdout", run.Stdout},
		{"stderr", run.Stderr},
	} {
		if strings.TrimSpace(s.text) == "" {
			continue
		}
		evt := mission.NewEvent(missionID, mission.TopicStepComplete, mission.KindLog, map[string]any{
			"step_id": stepID,
			"stream":  s.stream,
			"text":    clipOutput(security.Sanitize(s.text)),
		})
		if err := redisbridge.Publish(ctx, a.Redis, evt); err != nil {
			a.logger().Debug("log publish failed", zap.String("mission_id", missionID), zap.Error(err))
		}
	}
}

// PublishEvent forwards one workflow event to the Redis fabric. Delivery
// retries come from the activity retry policy.
func (a *Activities) PublishEvent(ctx context.Context, evt mission.Event) error {
	if a.Redis == nil {
		return nil
	}
	return redisbridge.Publish(ctx, a.Redis, evt)
}

// MemoryAppendInput records one completed action into mission memory.
type MemoryAppendInput struct {
	MissionID string          `json:"mission_id"`
	Entry     guardrail.Entry `json:"entry"`
}

// AppendMemory writes a history entry so later agent turns see what already
// ran.
func (a *Activities) AppendMemory(ctx context.Context, in MemoryAppendInput) error {
	if a.Memory == nil {
		return nil
	}
	return a.Memory.Append(ctx, in.MissionID, in.Entry)
}

// NotifyInput carries one finding to alert on.
type NotifyInput struct {
	MissionID string          `json:"mission_id"`
	Finding   mission.Finding `json:"finding"`
}

// Notify dispatches a finding alert.
func (a *Activities) Notify(ctx context.Context, in NotifyInput) error {
	if a.Notifier == nil {
		return nil
	}
	return a.Notifier.NotifyFinding(ctx, in.Finding)
}

// RecordMission persists the terminal result. Findings go first so a crash
// between the writes loses nothing on retry.
func (a *Activities) RecordMission(ctx context.Context, out mission.ScanOutput) error {
	if a.Recorder == nil {
		return nil
	}
	if err := a.Recorder.AppendFindings(ctx, out.MissionID, out.Findings); err != nil {
		return fmt.Errorf("append findings: %w", err)
	}
	if err := a.Recorder.FinishMission(ctx, out); err != nil {
		return fmt.Errorf("finish mission: %w", err)
	}
	return nil
}

// missionGoal renders the objective plus targets the way operators phrase
// an engagement brief.
func missionGoal(objective string, targets []string) string {
	if len(targets) == 0 {
		return objective
	}
	return objective + "\n\nIn-scope targets: " + strings.Join(targets, ", ")
}

// mergeTarget folds the call's target into the schema's target parameter so
// plans may name the target once. Explicit arguments win.
func mergeTarget(s tools.Schema, call mission.ToolCall) map[string]any {
	args := make(map[string]any, len(call.Arguments)+1)
	for k, v := range call.Arguments {
		args[k] = v
	}
	if strings.TrimSpace(call.Target) == "" {
		return args
	}
	for _, name := range []string{"target", "host", "domain", "url"} {
		if _, ok := s.Param(name); !ok {
			continue
		}
		if _, set := args[name]; !set {
			args[name] = call.Target
		}
		break
	}
	return args
}

func containerNamespace(tenantID, missionID string) string {
	if tenantID == "" {
		return missionID
	}
	return tenantID + "/" + missionID
}

// maxObservationBytes keeps tool output small enough for prompts and event
// payloads.
const maxObservationBytes = 4 << 10

func clipOutput(s string) string {
	if len(s) <= maxObservationBytes {
		return s
	}
	return s[:maxObservationBytes] + "\n...[truncated]"
}

func observationText(run sandbox.Result) string {
	if strings.TrimSpace(run.Stdout) != "" {
		return run.Stdout
	}
	return run.Stderr
}
