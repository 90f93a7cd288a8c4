/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package workflow hosts the durable mission orchestration: the Temporal
// workflow that drives planning, approval, execution, and the terminal
// record, plus the activities it schedules. The workflow body is
// deterministic; everything that touches a network, a disk, or a wall clock
// runs in an activity.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/budget"
	"github.com/sentryai/sentry/internal/guardrail"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
)

// MissionInput launches one mission.
type MissionInput struct {
	MissionID       string        `json:"mission_id"`
	TenantID        string        `json:"tenant_id,omitempty"`
	UserID          string        `json:"user_id,omitempty"`
	Objective       string        `json:"objective"`
	Targets         []string      `json:"targets,omitempty"`
	Scope           scope.Policy  `json:"scope"`
	Limits          budget.Limits `json:"limits"`
	AutoPilot       bool          `json:"auto_pilot,omitempty"`
	NotifyOnFinding bool          `json:"notify_on_finding,omitempty"`
}

// ApprovePlanSignal carries the operator's step selection. Before execution
// begins the last signal wins; afterwards signals are ignored.
type ApprovePlanSignal struct {
	PlanID        string `json:"plan_id,omitempty"`
	ApprovedSteps []int  `json:"approved_steps"`
}

// KillSignal aborts the mission. An empty reason gets the default.
type KillSignal struct {
	Reason string `json:"reason,omitempty"`
}

// StatusInfo answers the status query.
type StatusInfo struct {
	MissionID     string          `json:"mission_id"`
	Status        mission.Status  `json:"status"`
	Paused        bool            `json:"is_paused"`
	Killed        bool            `json:"is_killed"`
	FindingsCount int             `json:"findings_count"`
	StepsTaken    int             `json:"steps_taken"`
	CostUSD       float64         `json:"cost_usd"`
	Budget        budget.Snapshot `json:"budget"`
	Plan          *mission.Plan   `json:"current_plan,omitempty"`
	ApprovedSteps []int           `json:"approved_steps,omitempty"`
}

// stopReason names the terminal status execution must take.
type stopReason struct {
	status mission.Status
	detail string
}

// MissionWorkflow drives one mission end to end. The terminal status is
// returned as data: the workflow only errors on conditions Temporal itself
// must see, so callers and observers can always read the outcome from the
// result.
func MissionWorkflow(ctx workflow.Context, input MissionInput) (mission.ScanOutput, error) {
	logger := workflow.GetLogger(ctx)

	if input.MissionID == "" || strings.TrimSpace(input.Objective) == "" {
		return mission.ScanOutput{
			MissionID:    input.MissionID,
			Status:       mission.StatusFailed,
			Findings:     []mission.Finding{},
			ErrorMessage: "mission_id and objective are required",
		}, nil
	}

	r := &missionRun{
		input:    input,
		status:   mission.StatusPending,
		approved: make(map[int]bool),
		seqs:     make(map[mission.Topic]uint64),
	}
	r.enforcer = budget.New(input.MissionID, input.Limits, func() time.Time { return workflow.Now(ctx) })
	r.thinkCtx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
	// Tool retries are budget decisions, so Temporal gets exactly one try.
	r.toolCtx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	r.pubCtx = workflow.WithActivityOptions(ctx, publishOptions())

	if err := r.registerQueries(ctx); err != nil {
		logger.Error("query registration failed", "mission_id", input.MissionID, "error", err)
		return r.finish(ctx, mission.StatusFailed, "query registration failed")
	}

	scopeEnf, err := scope.NewEnforcer(input.Scope, zap.NewNop())
	if err != nil {
		logger.Error("scope policy rejected", "mission_id", input.MissionID, "error", err)
		return r.finish(ctx, mission.StatusFailed, fmt.Sprintf("invalid scope policy: %v", err))
	}
	r.scope = scopeEnf

	// Planning.
	r.setStatus(ctx, mission.StatusPlanning, "")
	var a *Activities
	var planReply PlanReply
	pctx, pcancel := workflow.WithCancel(r.thinkCtx)
	err = r.awaitActivity(ctx, workflow.ExecuteActivity(pctx, a.GeneratePlan, PlanRequest{
		MissionID: input.MissionID,
		Objective: input.Objective,
		Targets:   input.Targets,
		Scope:     input.Scope,
	}), pcancel, &planReply)
	if killed, reason := r.enforcer.Killed(); killed {
		return r.finish(ctx, mission.StatusKilled, reason)
	}
	if err != nil || planReply.Plan == nil {
		logger.Error("planning failed", "mission_id", input.MissionID, "error", err)
		return r.finish(ctx, mission.StatusFailed, "agent error")
	}
	r.plan = planReply.Plan
	for _, w := range r.enforcer.AddCost(planReply.CostUSD) {
		r.emit(ctx, mission.TopicBudgetWarning, "", w)
	}
	r.enforcer.Touch()
	r.emit(ctx, mission.TopicPlanProposal, "", r.plan)
	r.addLog(ctx, fmt.Sprintf("plan %s proposed with %d steps", r.plan.PlanID, len(r.plan.Steps)))

	// Approval.
	if input.AutoPilot {
		for _, st := range r.plan.Steps {
			r.approved[st.ID] = true
		}
		r.addLog(ctx, "auto-pilot enabled, all plan steps approved")
	} else {
		r.setStatus(ctx, mission.StatusAwaitingApproval, "")
		for len(r.approved) == 0 {
			if killed, _ := r.enforcer.Killed(); killed {
				break
			}
			r.awaitSignal(ctx)
		}
	}
	// Coalesce rapid re-approvals before the set locks.
	r.drainSignals(ctx)
	if killed, reason := r.enforcer.Killed(); killed {
		return r.finish(ctx, mission.StatusKilled, reason)
	}

	// Execution, in plan order.
	r.setStatus(ctx, mission.StatusExecuting, "")
	r.executing = true
	for _, step := range r.plan.Steps {
		if !r.approved[step.ID] {
			r.addLog(ctx, fmt.Sprintf("step %d %q skipped: not approved", step.ID, step.Title))
			continue
		}
		if stop := r.runStep(ctx, step.ID, step.Tool); stop != nil {
			return r.finish(ctx, stop.status, stop.detail)
		}
	}

	// Under auto-pilot the agent keeps going until it declares the
	// objective met or the budget stops it.
	if input.AutoPilot {
		if stop := r.adaptivePhase(ctx); stop != nil {
			return r.finish(ctx, stop.status, stop.detail)
		}
	}

	r.drainSignals(ctx)
	if killed, reason := r.enforcer.Killed(); killed {
		return r.finish(ctx, mission.StatusKilled, reason)
	}
	return r.finish(ctx, mission.StatusCompleted, "")
}

// missionRun is the mutable state of one execution. Everything here is
// owned by the workflow goroutine; queries read it, signals mutate it, and
// both are serialized by the workflow scheduler.
type missionRun struct {
	input    MissionInput
	enforcer *budget.Enforcer
	scope    *scope.Enforcer

	status    mission.Status
	plan      *mission.Plan
	approved  map[int]bool
	executing bool

	findings        []mission.Finding
	logs            []string
	seqs            map[mission.Topic]uint64
	lastObservation string

	thinkCtx workflow.Context
	toolCtx  workflow.Context
	pubCtx   workflow.Context
}

func publishOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
}

func (r *missionRun) registerQueries(ctx workflow.Context) error {
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (StatusInfo, error) {
		return r.statusInfo(), nil
	}); err != nil {
		return err
	}
	if err := workflow.SetQueryHandler(ctx, QueryFindings, func() ([]mission.Finding, error) {
		out := make([]mission.Finding, len(r.findings))
		copy(out, r.findings)
		return out, nil
	}); err != nil {
		return err
	}
	return workflow.SetQueryHandler(ctx, QueryLogs, func() ([]string, error) {
		out := make([]string, len(r.logs))
		copy(out, r.logs)
		return out, nil
	})
}

func (r *missionRun) statusInfo() StatusInfo {
	killed, _ := r.enforcer.Killed()
	info := StatusInfo{
		MissionID:     r.input.MissionID,
		Status:        r.status,
		Paused:        r.enforcer.Paused(),
		Killed:        killed,
		FindingsCount: len(r.findings),
		StepsTaken:    r.enforcer.StepsTaken(),
		CostUSD:       r.enforcer.CostUSD(),
		Budget:        r.enforcer.Snapshot(),
		Plan:          r.plan,
	}
	for id := range r.approved {
		info.ApprovedSteps = append(info.ApprovedSteps, id)
	}
	sort.Ints(info.ApprovedSteps)
	return info
}

// newSelector registers the four mission signals. A fresh selector is built
// for every blocking point so callback state never outlives one wait.
func (r *missionRun) newSelector(ctx workflow.Context) workflow.Selector {
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(workflow.GetSignalChannel(ctx, SignalApprovePlan), func(c workflow.ReceiveChannel, _ bool) {
		var sig ApprovePlanSignal
		c.Receive(ctx, &sig)
		r.onApprove(ctx, sig)
	})
	sel.AddReceive(workflow.GetSignalChannel(ctx, SignalPause), func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, nil)
		r.enforcer.Pause()
	})
	sel.AddReceive(workflow.GetSignalChannel(ctx, SignalResume), func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, nil)
		r.enforcer.Resume()
		r.enforcer.Touch()
	})
	sel.AddReceive(workflow.GetSignalChannel(ctx, SignalKill), func(c workflow.ReceiveChannel, _ bool) {
		var sig KillSignal
		c.Receive(ctx, &sig)
		if sig.Reason == "" {
			sig.Reason = defaultKillReason
		}
		r.enforcer.Kill(sig.Reason)
	})
	return sel
}

// onApprove replaces the approved set. Ignored once execution has begun or
// when the signal names a different plan.
func (r *missionRun) onApprove(ctx workflow.Context, sig ApprovePlanSignal) {
	if r.executing {
		workflow.GetLogger(ctx).Info("approval ignored, mission already executing",
			"mission_id", r.input.MissionID)
		return
	}
	if sig.PlanID != "" && r.plan != nil && sig.PlanID != r.plan.PlanID {
		workflow.GetLogger(ctx).Warn("approval names unknown plan",
			"mission_id", r.input.MissionID, "plan_id", sig.PlanID)
		return
	}
	r.approved = make(map[int]bool, len(sig.ApprovedSteps))
	for _, id := range sig.ApprovedSteps {
		r.approved[id] = true
	}
	r.enforcer.Touch()
}

// drainSignals applies everything already queued without blocking.
func (r *missionRun) drainSignals(ctx workflow.Context) {
	sel := r.newSelector(ctx)
	for sel.HasPending() {
		sel.Select(ctx)
	}
}

// awaitSignal blocks until one signal arrives and applies it.
func (r *missionRun) awaitSignal(ctx workflow.Context) {
	r.newSelector(ctx).Select(ctx)
}

// awaitActivity waits on an activity future while continuing to apply
// signals. A kill arriving mid-flight cancels the activity; the future is
// always drained so a result that beat the cancellation is never abandoned.
func (r *missionRun) awaitActivity(ctx workflow.Context, fut workflow.Future, cancel workflow.CancelFunc, out interface{}) error {
	done := false
	sel := r.newSelector(ctx)
	sel.AddFuture(fut, func(workflow.Future) { done = true })
	canceled := false
	for !done {
		sel.Select(ctx)
		if killed, _ := r.enforcer.Killed(); killed && !done && !canceled && cancel != nil {
			cancel()
			canceled = true
		}
	}
	return fut.Get(ctx, out)
}

// gate applies the pre-step checks: external cancellation, pause, kill,
// then the budget. The first refusal wins.
func (r *missionRun) gate(ctx workflow.Context) *stopReason {
	if ctx.Err() != nil {
		r.enforcer.Kill("workflow canceled")
		return &stopReason{status: mission.StatusKilled, detail: "workflow canceled"}
	}
	if stop := r.suspendWhilePaused(ctx); stop != nil {
		return stop
	}
	if killed, reason := r.enforcer.Killed(); killed {
		return &stopReason{status: mission.StatusKilled, detail: reason}
	}
	if check := r.enforcer.CanProceed(); !check.OK {
		if check.Code == budget.ReasonKilled {
			return &stopReason{status: mission.StatusKilled, detail: check.Reason}
		}
		return &stopReason{status: mission.StatusExhausted, detail: check.Reason}
	}
	return nil
}

// suspendWhilePaused parks execution until resume or kill. Pause lives on
// the enforcer, so a budget warning with PauseOnWarning set suspends the
// same way an operator pause does.
func (r *missionRun) suspendWhilePaused(ctx workflow.Context) *stopReason {
	if !r.enforcer.Paused() {
		return nil
	}
	prev := r.status
	r.setStatus(ctx, mission.StatusPaused, "")
	for r.enforcer.Paused() {
		if killed, reason := r.enforcer.Killed(); killed {
			return &stopReason{status: mission.StatusKilled, detail: reason}
		}
		r.awaitSignal(ctx)
	}
	if killed, reason := r.enforcer.Killed(); killed {
		return &stopReason{status: mission.StatusKilled, detail: reason}
	}
	r.setStatus(ctx, prev, "")
	return nil
}

// runStep executes one sanctioned tool call: scope vet, budget gate,
// sandbox run with workflow-owned retries, then bookkeeping. A nil return
// means the mission continues; non-nil names the terminal status.
func (r *missionRun) runStep(ctx workflow.Context, stepID int, call mission.ToolCall) *stopReason {
	logger := workflow.GetLogger(ctx)
	r.drainSignals(ctx)
	if stop := r.gate(ctx); stop != nil {
		return stop
	}

	verdict := r.vetScope(ctx, call)
	if !verdict.Allowed() {
		r.emit(ctx, mission.TopicScopeViolation, "", map[string]any{
			"step_id":  stepID,
			"tool":     call.Tool,
			"target":   verdict.Target,
			"decision": string(verdict.Decision),
			"reason":   verdict.Reason,
		})
		r.addLog(ctx, fmt.Sprintf("step %d skipped, %s out of scope: %s", stepID, verdict.Target, verdict.Reason))
		return nil
	}

	r.emit(ctx, mission.TopicStepBegin, "", map[string]any{
		"step_id": stepID,
		"tool":    call.Tool,
		"target":  call.Target,
	})

	var a *Activities
	var res ExecuteToolResult
	in := ExecuteToolInput{
		MissionID: r.input.MissionID,
		TenantID:  r.input.TenantID,
		StepID:    stepID,
		Call:      call,
		Scope:     r.input.Scope,
	}
	for {
		cctx, cancel := workflow.WithCancel(r.toolCtx)
		err := r.awaitActivity(ctx, workflow.ExecuteActivity(cctx, a.ExecuteTool, in), cancel, &res)
		if err != nil {
			if killed, reason := r.enforcer.Killed(); killed {
				return &stopReason{status: mission.StatusKilled, detail: reason}
			}
			if ctx.Err() != nil || temporal.IsCanceledError(err) {
				r.enforcer.Kill("workflow canceled")
				return &stopReason{status: mission.StatusKilled, detail: "workflow canceled"}
			}
			// Infrastructure failure. The consecutive-error cap bounds how
			// many of these a mission absorbs.
			r.enforcer.RecordError("activity", err.Error())
			r.emit(ctx, mission.TopicStepComplete, "error", map[string]any{
				"step_id": stepID,
				"tool":    call.Tool,
				"error":   err.Error(),
			})
			r.addLog(ctx, fmt.Sprintf("step %d lost: %v", stepID, err))
			return nil
		}
		if res.Failed && res.Retryable && r.enforcer.RecordRetry(retryKey(call)) {
			logger.Info("retrying transient tool failure",
				"mission_id", r.input.MissionID, "tool", call.Tool, "step_id", stepID)
			continue
		}
		break
	}

	if res.Denied {
		r.emit(ctx, mission.TopicScopeViolation, "", map[string]any{
			"step_id": stepID,
			"tool":    call.Tool,
			"target":  res.Target,
			"reason":  res.DenyReason,
		})
		r.addLog(ctx, fmt.Sprintf("step %d denied on re-check: %s", stepID, res.DenyReason))
		return nil
	}

	if res.Failed {
		r.enforcer.RecordError("tool", res.Error)
		r.emit(ctx, mission.TopicStepComplete, "error", map[string]any{
			"step_id":   stepID,
			"tool":      call.Tool,
			"exit_code": res.ExitCode,
			"error":     res.Error,
		})
		r.remember(ctx, call.Tool, "failed", res.Error)
		r.lastObservation = fmt.Sprintf("%s failed: %s", call.Tool, res.Error)
		r.addLog(ctx, fmt.Sprintf("step %d %s failed: %s", stepID, call.Tool, res.Error))
		return nil
	}

	warnings := r.enforcer.RecordAction(call.Tool, call.Target, call.Arguments, res.CostUSD)
	loopTripped := false
	for _, w := range warnings {
		r.emit(ctx, mission.TopicBudgetWarning, "", w)
		if w.Code == budget.WarnLoopDetected {
			loopTripped = true
		}
	}
	if loopTripped && !r.enforcer.Paused() {
		return &stopReason{status: mission.StatusFailed, detail: "loop detected"}
	}

	for _, f := range res.Findings {
		r.recordFinding(ctx, stepID, f)
	}
	if len(res.Assets) > 0 {
		r.emit(ctx, mission.TopicGraphUpdate, "", map[string]any{
			"step_id": stepID,
			"tool":    call.Tool,
			"assets":  res.Assets,
		})
	}
	r.emit(ctx, mission.TopicStepComplete, "", map[string]any{
		"step_id":     stepID,
		"tool":        call.Tool,
		"exit_code":   res.ExitCode,
		"duration_ms": res.DurationMS,
		"findings":    len(res.Findings),
	})
	r.remember(ctx, call.Tool, "completed", res.OutputText)
	r.lastObservation = res.OutputText
	r.addLog(ctx, fmt.Sprintf("step %d %s completed in %dms with %d findings", stepID, call.Tool, res.DurationMS, len(res.Findings)))
	return nil
}

// adaptivePhase lets the agent react to what the plan uncovered. It runs
// only under auto-pilot: interactive missions execute exactly the approved
// steps, so nothing un-approved ever reaches a tool.
func (r *missionRun) adaptivePhase(ctx workflow.Context) *stopReason {
	var a *Activities
	stepID := len(r.plan.Steps) + 1

	for {
		r.drainSignals(ctx)
		if stop := r.gate(ctx); stop != nil {
			return stop
		}

		snap := r.enforcer.Snapshot()
		var reply ThinkReply
		tctx, cancel := workflow.WithCancel(r.thinkCtx)
		err := r.awaitActivity(ctx, workflow.ExecuteActivity(tctx, a.AgentThink, ThinkRequest{
			MissionID:   r.input.MissionID,
			Objective:   r.input.Objective,
			Targets:     r.input.Targets,
			Scope:       r.input.Scope,
			Budget:      &snap,
			Observation: r.lastObservation,
		}), cancel, &reply)
		if killed, reason := r.enforcer.Killed(); killed {
			return &stopReason{status: mission.StatusKilled, detail: reason}
		}
		if err != nil {
			if ctx.Err() != nil || temporal.IsCanceledError(err) {
				r.enforcer.Kill("workflow canceled")
				return &stopReason{status: mission.StatusKilled, detail: "workflow canceled"}
			}
			workflow.GetLogger(ctx).Error("agent turn failed",
				"mission_id", r.input.MissionID, "error", err)
			return &stopReason{status: mission.StatusFailed, detail: "agent error"}
		}

		for _, w := range r.enforcer.AddCost(reply.CostUSD) {
			r.emit(ctx, mission.TopicBudgetWarning, "", w)
		}
		step := reply.Step
		if step == nil {
			r.enforcer.RecordError("agent", "turn produced no step")
			continue
		}

		r.emit(ctx, mission.TopicAgentThought, "", step)
		for _, f := range step.Findings {
			// Agent-reported findings arrive without tool evidence but are
			// surfaced like any other.
			r.recordFinding(ctx, stepID, f)
		}
		if step.IsComplete {
			r.addLog(ctx, "agent declared the objective complete")
			return nil
		}
		if step.ToolCall == nil {
			r.enforcer.RecordError("agent", "turn produced neither tool call nor completion")
			r.lastObservation = "Your previous turn produced neither a tool call nor completion. Call a tool or set is_complete."
			continue
		}

		if stop := r.runStep(ctx, stepID, *step.ToolCall); stop != nil {
			return stop
		}
		stepID++
	}
}

// vetScope runs the policy check through a side effect so the recorded
// verdict, not a re-evaluation, drives replay.
func (r *missionRun) vetScope(ctx workflow.Context, call mission.ToolCall) scope.Verdict {
	var v scope.Verdict
	enc := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
		return r.scope.CheckCall(call.Target, call.Arguments)
	})
	if err := enc.Get(&v); err != nil {
		// Fail closed.
		return scope.Verdict{Target: call.Target, Decision: scope.DeniedOutOfScope, Reason: "scope verdict unavailable"}
	}
	return v
}

// recordFinding stamps identity onto a finding, stores it, and fans it out.
func (r *missionRun) recordFinding(ctx workflow.Context, stepID int, f mission.Finding) {
	f.ID = r.newID(ctx)
	f.MissionID = r.input.MissionID
	f.StepID = stepID
	if f.Severity == "" {
		f.Severity = mission.SeverityInfo
	}
	if f.Status == "" {
		f.Status = mission.FindingNew
	}
	f.CreatedAt = workflow.Now(ctx).UTC()
	r.findings = append(r.findings, f)
	r.emit(ctx, mission.TopicFinding, "", f)
	r.notifyFinding(ctx, f)
}

// notifyFinding dispatches an alert. Delivery problems never stall a scan.
func (r *missionRun) notifyFinding(ctx workflow.Context, f mission.Finding) {
	if !r.input.NotifyOnFinding {
		return
	}
	var a *Activities
	in := NotifyInput{MissionID: r.input.MissionID, Finding: f}
	if err := workflow.ExecuteActivity(r.pubCtx, a.Notify, in).Get(r.pubCtx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("finding notification failed",
			"mission_id", r.input.MissionID, "finding_id", f.ID, "error", err)
	}
}

// remember appends an action record for later agent turns. Memory is
// advisory; failures are logged and dropped.
func (r *missionRun) remember(ctx workflow.Context, action, status, summary string) {
	if len(summary) > 200 {
		summary = summary[:200]
	}
	var a *Activities
	in := MemoryAppendInput{
		MissionID: r.input.MissionID,
		Entry: guardrail.Entry{
			Timestamp: workflow.Now(ctx).UTC(),
			Action:    action,
			Status:    status,
			Summary:   summary,
		},
	}
	if err := workflow.ExecuteActivity(r.pubCtx, a.AppendMemory, in).Get(r.pubCtx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("memory append failed",
			"mission_id", r.input.MissionID, "error", err)
	}
}

// setStatus advances the lifecycle state and emits it.
func (r *missionRun) setStatus(ctx workflow.Context, status mission.Status, detail string) {
	if r.status == status {
		return
	}
	if !r.status.CanTransition(status) {
		workflow.GetLogger(ctx).Warn("irregular status transition",
			"mission_id", r.input.MissionID, "from", string(r.status), "to", string(status))
	}
	r.status = status
	payload := map[string]string{"status": string(status)}
	if detail != "" {
		payload["detail"] = detail
	}
	r.emit(ctx, mission.TopicStatus, "", payload)
}

// emit publishes one observer event through the publish activity. Awaiting
// each publish keeps per-topic order; a failed publish is logged and
// dropped rather than failing the mission.
func (r *missionRun) emit(ctx workflow.Context, topic mission.Topic, kind string, payload any) {
	r.seqs[topic]++
	evt := mission.Event{
		MissionID: r.input.MissionID,
		Topic:     topic,
		Kind:      kind,
		Timestamp: workflow.Now(ctx).UTC(),
		Seq:       r.seqs[topic],
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
		}
		evt.Payload = raw
	}
	var a *Activities
	if err := workflow.ExecuteActivity(r.pubCtx, a.PublishEvent, evt).Get(r.pubCtx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("event publish failed",
			"mission_id", r.input.MissionID, "topic", string(topic), "error", err)
	}
}

// finish emits the terminal status and persists the result. It runs on a
// disconnected context so a canceled workflow still reports its end.
func (r *missionRun) finish(ctx workflow.Context, status mission.Status, errMsg string) (mission.ScanOutput, error) {
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	r.pubCtx = workflow.WithActivityOptions(dctx, publishOptions())

	r.setStatus(dctx, status, errMsg)

	out := mission.ScanOutput{
		MissionID:      r.input.MissionID,
		Status:         status,
		Findings:       r.findings,
		StepsTaken:     r.enforcer.StepsTaken(),
		CostUSD:        r.enforcer.CostUSD(),
		RuntimeSeconds: r.enforcer.Runtime().Seconds(),
		ErrorMessage:   errMsg,
	}
	if out.Findings == nil {
		out.Findings = []mission.Finding{}
	}

	var a *Activities
	if err := workflow.ExecuteActivity(r.pubCtx, a.RecordMission, out).Get(r.pubCtx, nil); err != nil {
		workflow.GetLogger(ctx).Error("terminal record failed",
			"mission_id", r.input.MissionID, "error", err)
	}
	return out, nil
}

// newID mints a finding id through a side effect so replay reuses the
// recorded value.
func (r *missionRun) newID(ctx workflow.Context) string {
	var id string
	enc := workflow.SideEffect(ctx, func(workflow.Context) interface{} { return uuid.NewString() })
	if err := enc.Get(&id); err != nil || id == "" {
		id = fmt.Sprintf("%s-f%d", r.input.MissionID, len(r.findings)+1)
	}
	return id
}

// addLog appends to the capped in-memory log served by the get_logs query.
func (r *missionRun) addLog(ctx workflow.Context, line string) {
	r.logs = append(r.logs, workflow.Now(ctx).UTC().Format(time.RFC3339)+" "+line)
	if len(r.logs) > maxLogLines {
		r.logs = r.logs[len(r.logs)-maxLogLines:]
	}
}

func retryKey(call mission.ToolCall) string {
	if call.Target != "" {
		return call.Target
	}
	return call.Tool
}
