package server

import (
	"context"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/sentryai/sentry/internal/workflow"
)

// Backend drives mission executions. The production implementation talks to
// Temporal; tests substitute a fake so handlers can be exercised without a
// running cluster.
type Backend interface {
	// StartMission begins a new workflow execution and returns its run ID.
	StartMission(ctx context.Context, input workflow.MissionInput) (string, error)

	// SignalMission delivers a named signal to a running mission.
	SignalMission(ctx context.Context, missionID, signal string, payload any) error

	// CancelMission requests graceful cancellation.
	CancelMission(ctx context.Context, missionID string) error

	// TerminateMission hard-stops the execution without running cleanup.
	TerminateMission(ctx context.Context, missionID, reason string) error

	// QueryMissionStatus asks the live workflow for its current state.
	QueryMissionStatus(ctx context.Context, missionID string) (workflow.StatusInfo, error)

	// DescribeMission returns the execution status as a lowercase label.
	DescribeMission(ctx context.Context, missionID string) (string, error)
}

// TemporalBackend implements Backend against a Temporal cluster.
type TemporalBackend struct {
	client client.Client
}

// NewTemporalBackend wraps an already-dialed Temporal client.
func NewTemporalBackend(c client.Client) *TemporalBackend {
	return &TemporalBackend{client: c}
}

func (b *TemporalBackend) StartMission(ctx context.Context, input workflow.MissionInput) (string, error) {
	run, err := b.client.ExecuteWorkflow(ctx, workflow.StartOptions(input.MissionID), workflow.WorkflowName, input)
	if err != nil {
		return "", fmt.Errorf("start workflow: %w", err)
	}
	return run.GetRunID(), nil
}

func (b *TemporalBackend) SignalMission(ctx context.Context, missionID, signal string, payload any) error {
	if err := b.client.SignalWorkflow(ctx, workflow.WorkflowIDFor(missionID), "", signal, payload); err != nil {
		return fmt.Errorf("signal %s: %w", signal, err)
	}
	return nil
}

func (b *TemporalBackend) CancelMission(ctx context.Context, missionID string) error {
	if err := b.client.CancelWorkflow(ctx, workflow.WorkflowIDFor(missionID), ""); err != nil {
		return fmt.Errorf("cancel workflow: %w", err)
	}
	return nil
}

func (b *TemporalBackend) TerminateMission(ctx context.Context, missionID, reason string) error {
	if err := b.client.TerminateWorkflow(ctx, workflow.WorkflowIDFor(missionID), "", reason); err != nil {
		return fmt.Errorf("terminate workflow: %w", err)
	}
	return nil
}

func (b *TemporalBackend) QueryMissionStatus(ctx context.Context, missionID string) (workflow.StatusInfo, error) {
	var info workflow.StatusInfo
	val, err := b.client.QueryWorkflow(ctx, workflow.WorkflowIDFor(missionID), "", workflow.QueryStatus)
	if err != nil {
		return info, fmt.Errorf("query status: %w", err)
	}
	if err := val.Get(&info); err != nil {
		return info, fmt.Errorf("decode status: %w", err)
	}
	return info, nil
}

func (b *TemporalBackend) DescribeMission(ctx context.Context, missionID string) (string, error) {
	resp, err := b.client.DescribeWorkflowExecution(ctx, workflow.WorkflowIDFor(missionID), "")
	if err != nil {
		return "", fmt.Errorf("describe workflow: %w", err)
	}
	return executionStatusLabel(resp.GetWorkflowExecutionInfo().GetStatus()), nil
}

// executionStatusLabel maps Temporal execution statuses onto the lowercase
// labels the API exposes.
func executionStatusLabel(status enumspb.WorkflowExecutionStatus) string {
	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING,
		enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return "running"
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return "completed"
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return "failed"
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return "cancelled"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "terminated"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "timed_out"
	default:
		return "unknown"
	}
}
