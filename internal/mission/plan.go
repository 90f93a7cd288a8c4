/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package mission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Risk grades a plan step.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ToolCall is one tool invocation requested by the agent. Arguments must
// validate against the registered schema for Tool before dispatch.
type ToolCall struct {
	Tool           string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments"`
	Target         string         `json:"target,omitempty"`
	Rationale      string         `json:"rationale,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	TimeoutSeconds int            `json:"timeout,omitempty"`
}

// PlanStep is one element of an execution plan.
type PlanStep struct {
	ID          int      `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Risk        Risk     `json:"risk,omitempty"`
	CanSkip     bool     `json:"can_skip,omitempty"`
	Tool        ToolCall `json:"tool"`
	DependsOn   []int    `json:"depends_on,omitempty"`
}

// Plan is the ordered list of steps the agent proposes for an objective.
type Plan struct {
	PlanID           string     `json:"plan_id"`
	Objective        string     `json:"objective,omitempty"`
	EstimatedSeconds int        `json:"estimated_seconds,omitempty"`
	EstimatedCostUSD float64    `json:"estimated_cost_usd,omitempty"`
	Steps            []PlanStep `json:"steps"`
}

// Validate checks the structural invariants of a plan: step ids are dense
// and increase from 1, and depends_on only references earlier steps.
func (p *Plan) Validate() error {
	if p.PlanID == "" {
		return fmt.Errorf("plan has no plan_id")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s has no steps", p.PlanID)
	}
	for i, step := range p.Steps {
		want := i + 1
		if step.ID != want {
			return fmt.Errorf("plan %s: step at position %d has id %d, want %d", p.PlanID, i, step.ID, want)
		}
		if step.Tool.Tool == "" {
			return fmt.Errorf("plan %s: step %d has no tool", p.PlanID, step.ID)
		}
		for _, dep := range step.DependsOn {
			if dep <= 0 || dep >= step.ID {
				return fmt.Errorf("plan %s: step %d depends on %d, must reference an earlier step", p.PlanID, step.ID, dep)
			}
		}
	}
	return nil
}

// AgentStep is the strict output contract for every agent turn. Exactly one
// JSON object; ToolCall is nil when the agent only reports or concludes.
type AgentStep struct {
	Thought      string    `json:"thought"`
	Reasoning    string    `json:"reasoning,omitempty"`
	ToolCall     *ToolCall `json:"tool_call"`
	StatusUpdate string    `json:"status_update"`
	IsComplete   bool      `json:"is_complete"`
	Findings     []Finding `json:"findings,omitempty"`
}

// Summary renders a one-line description for logs.
func (s *AgentStep) Summary() string {
	var b strings.Builder
	if s.ToolCall != nil {
		fmt.Fprintf(&b, "tool=%s target=%s", s.ToolCall.Tool, s.ToolCall.Target)
	} else {
		b.WriteString("no tool")
	}
	if s.IsComplete {
		b.WriteString(" complete")
	}
	if n := len(s.Findings); n > 0 {
		fmt.Fprintf(&b, " findings=%d", n)
	}
	return b.String()
}

// MarshalCompact renders the step as single-line JSON for event payloads.
func (s *AgentStep) MarshalCompact() []byte {
	raw, err := json.Marshal(s)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
