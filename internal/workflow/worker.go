/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package workflow

import (
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// TaskQueue is the queue scan workers poll.
const TaskQueue = "sentry-scan-queue"

// WorkflowName is the registered name of the mission workflow.
const WorkflowName = "MissionWorkflow"

// Signal names shared with the control plane.
const (
	SignalApprovePlan = "approve_plan"
	SignalPause       = "pause"
	SignalResume      = "resume"
	SignalKill        = "kill"
)

// Query names shared with the control plane.
const (
	QueryStatus   = "status"
	QueryFindings = "findings"
	QueryLogs     = "get_logs"
)

const (
	executionTimeout  = 24 * time.Hour
	defaultKillReason = "User requested termination"
	maxLogLines       = 500
)

// WorkflowIDFor derives the deterministic workflow id for a mission.
func WorkflowIDFor(missionID string) string { return "mission-" + missionID }

// StartOptions returns the launch options for one mission. A failed mission
// id may be reused; a completed or running one may not.
func StartOptions(missionID string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                       WorkflowIDFor(missionID),
		TaskQueue:                TaskQueue,
		WorkflowExecutionTimeout: executionTimeout,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}
}

// RegisterAll registers the mission workflow and every activity on w.
// Activity names come from the method names, so they stay stable across
// refactors of the call sites.
func RegisterAll(w worker.Worker, a *Activities) {
	w.RegisterWorkflowWithOptions(MissionWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivity(a)
}

// NewWorker builds a worker bound to the scan task queue with everything
// registered.
func NewWorker(c client.Client, a *Activities) worker.Worker {
	w := worker.New(c, TaskQueue, worker.Options{})
	RegisterAll(w, a)
	return w
}
