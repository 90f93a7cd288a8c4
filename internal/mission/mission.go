/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package mission defines the domain model shared by the control plane and
// the scan worker: missions, execution plans, tool calls, findings, agent
// steps, and the event envelope. Everything that crosses a process boundary
// lives here and round-trips through encoding/json.
package mission

import (
	"time"
)

// Status is the mission lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusKilled           Status = "killed"
	StatusExhausted        Status = "exhausted"
	StatusFailed           Status = "failed"
)

// Terminal reports whether a mission in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusKilled, StatusExhausted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving from s to next.
// Terminal states permit nothing; paused and executing are mutually
// reachable; every non-terminal state may be killed.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusKilled || next == StatusFailed {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusPlanning
	case StatusPlanning:
		return next == StatusAwaitingApproval || next == StatusExecuting || next == StatusPaused
	case StatusAwaitingApproval:
		return next == StatusExecuting || next == StatusPaused
	case StatusExecuting:
		return next == StatusPaused || next == StatusCompleted || next == StatusExhausted
	case StatusPaused:
		return next == StatusExecuting
	}
	return false
}

// Severity classifies findings from most to least urgent.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities for comparison; higher means more urgent.
// Unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// FindingStatus is the triage state of a finding after the mission ends.
type FindingStatus string

const (
	FindingNew           FindingStatus = "new"
	FindingConfirmed     FindingStatus = "confirmed"
	FindingFalsePositive FindingStatus = "false_positive"
	FindingResolved      FindingStatus = "resolved"
)

// Finding is one security observation produced during a mission.
// Findings are append-only within a mission.
type Finding struct {
	ID            string        `json:"id"`
	MissionID     string        `json:"mission_id"`
	StepID        int           `json:"step_id,omitempty"`
	Severity      Severity      `json:"severity"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	AffectedAsset string        `json:"affected_asset,omitempty"`
	Evidence      string        `json:"evidence,omitempty"`
	Reproduction  string        `json:"reproduction,omitempty"`
	Remediation   string        `json:"remediation,omitempty"`
	CWE           string        `json:"cwe,omitempty"`
	CVSS          float64       `json:"cvss,omitempty"`
	Confidence    float64       `json:"confidence,omitempty"`
	// FalsePositiveLikelihood is the agent's own estimate: low, medium, high.
	FalsePositiveLikelihood string        `json:"false_positive_likelihood,omitempty"`
	Status                  FindingStatus `json:"status,omitempty"`
	CreatedAt               time.Time     `json:"created_at,omitzero"`
}

// Mission is the persisted record of one objective run against a target set.
// Rows are created by the API, mutated only by the workflow, and read-only
// once the status is terminal.
type Mission struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Target     string    `json:"target"`
	Objective  string    `json:"objective"`
	ScanType   string    `json:"scan_type"`
	Config     string    `json:"config,omitempty"` // JSON-encoded MissionConfig
	AutoPilot  bool      `json:"auto_pilot"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StepsTaken int       `json:"steps_taken"`
	CostUSD    float64   `json:"cost_usd"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
}

// ScanOutput is the workflow's terminal result, returned to the caller and
// persisted on the mission row.
type ScanOutput struct {
	MissionID      string    `json:"mission_id"`
	Status         Status    `json:"status"`
	Findings       []Finding `json:"findings"`
	StepsTaken     int       `json:"steps_taken"`
	CostUSD        float64   `json:"cost_usd"`
	RuntimeSeconds float64   `json:"runtime_seconds"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}
