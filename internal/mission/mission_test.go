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
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusKilled, StatusExhausted, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []Status{StatusPending, StatusPlanning, StatusAwaitingApproval, StatusExecuting, StatusPaused}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusPlanning, true},
		{StatusPlanning, StatusAwaitingApproval, true},
		{StatusPlanning, StatusExecuting, true}, // auto-pilot skips approval
		{StatusAwaitingApproval, StatusExecuting, true},
		{StatusExecuting, StatusPaused, true},
		{StatusPaused, StatusExecuting, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusExhausted, true},
		{StatusExecuting, StatusKilled, true},
		{StatusAwaitingApproval, StatusKilled, true},
		{StatusCompleted, StatusExecuting, false},
		{StatusKilled, StatusPaused, false},
		{StatusPending, StatusCompleted, false},
		{StatusPaused, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestPlanValidate(t *testing.T) {
	good := Plan{
		PlanID: "plan-1",
		Steps: []PlanStep{
			{ID: 1, Title: "enumerate", Tool: ToolCall{Tool: "subfinder"}},
			{ID: 2, Title: "scan", Tool: ToolCall{Tool: "naabu"}, DependsOn: []int{1}},
			{ID: 3, Title: "probe", Tool: ToolCall{Tool: "httpx"}, DependsOn: []int{1, 2}},
		},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	sparse := good
	sparse.Steps = []PlanStep{
		{ID: 1, Tool: ToolCall{Tool: "subfinder"}},
		{ID: 3, Tool: ToolCall{Tool: "naabu"}},
	}
	if err := sparse.Validate(); err == nil {
		t.Fatal("sparse step ids accepted")
	}

	forward := good
	forward.Steps = []PlanStep{
		{ID: 1, Tool: ToolCall{Tool: "subfinder"}, DependsOn: []int{2}},
		{ID: 2, Tool: ToolCall{Tool: "naabu"}},
	}
	if err := forward.Validate(); err == nil {
		t.Fatal("forward dependency accepted")
	}

	empty := Plan{PlanID: "plan-2"}
	if err := empty.Validate(); err == nil {
		t.Fatal("empty plan accepted")
	}
}

func TestSeverityRank(t *testing.T) {
	order := []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
	}
	if Severity("bogus").Rank() != 0 {
		t.Error("unknown severity should rank 0")
	}
}

func TestAgentStepRoundTrip(t *testing.T) {
	step := AgentStep{
		Thought:      "port scan next",
		ToolCall:     &ToolCall{Tool: "naabu", Arguments: map[string]any{"host": "example.com"}, Target: "example.com"},
		StatusUpdate: "scanning ports",
		Findings: []Finding{
			{Severity: SeverityMedium, Title: "open redis port"},
		},
	}
	raw := step.MarshalCompact()
	var back AgentStep
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ToolCall == nil || back.ToolCall.Tool != "naabu" {
		t.Fatalf("tool call lost in round trip: %+v", back.ToolCall)
	}
	if len(back.Findings) != 1 || back.Findings[0].Severity != SeverityMedium {
		t.Fatalf("findings lost in round trip: %+v", back.Findings)
	}
}

func TestNewEventPayload(t *testing.T) {
	evt := NewEvent("m-1", TopicFinding, "finding_reported", map[string]string{"title": "open port"})
	if evt.MissionID != "m-1" || evt.Topic != TopicFinding {
		t.Fatalf("bad envelope: %+v", evt)
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload["title"] != "open port" {
		t.Fatalf("payload lost: %v", payload)
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}
