/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package guardrail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryai/sentry/internal/budget"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/tools"
)

func TestBuildThinkPromptBlockOrder(t *testing.T) {
	snap := &budget.Snapshot{
		Steps:          budget.Gauge{Used: 3, Limit: 50},
		Cost:           budget.Gauge{Used: 0.42, Limit: 5},
		RuntimeMinutes: budget.Gauge{Used: 12, Limit: 120},
	}
	pol := scope.Policy{
		Allow:        []string{"example.com", "*.example.com"},
		Exclude:      []string{"admin.example.com"},
		AllowCIDRs:   []string{"10.10.0.0/24"},
		ExcludeCIDRs: []string{"10.10.0.128/25"},
	}
	mem := []Entry{{Action: "subfinder", Summary: "found 12 subdomains"}}

	p := BuildThinkPrompt("Find exposed admin panels", mem, tools.Builtins(), pol, snap, `{"port":443}`)

	markers := []string{
		"<system_role>",
		"<memory_context>",
		"<available_tools>",
		"<scope>",
		"<budget>",
		"<output_format>",
		"<current_goal>",
		"<previous_observation>",
	}
	// The directives mention <scope> by name, so each marker is searched
	// for after the previous block rather than from the start.
	rest := p
	for _, m := range markers {
		idx := strings.Index(rest, m)
		require.GreaterOrEqual(t, idx, 0, "missing or out-of-order block %s", m)
		rest = rest[idx+len(m):]
	}

	assert.Contains(t, p, "Step 1: subfinder -> found 12 subdomains")
	assert.Contains(t, p, "  - example.com\n")
	assert.Contains(t, p, "  - 10.10.0.0/24\n")
	assert.Contains(t, p, "EXCLUDED (do NOT scan even if in allowed range):")
	assert.Contains(t, p, "  - admin.example.com\n")
	assert.Contains(t, p, "Steps used: 3 of 50")
	assert.Contains(t, p, "Spend: $0.42 of $5.00")
	assert.Contains(t, p, "Runtime: 12 of 120 minutes")
	assert.Contains(t, p, "Find exposed admin panels")
	assert.Contains(t, p, `{"port":443}`)
}

func TestBuildThinkPromptToolDefinitions(t *testing.T) {
	p := BuildThinkPrompt("g", nil, tools.Builtins(), scope.Policy{Allow: []string{"example.com"}}, nil, "")

	assert.Contains(t, p, "- name: nuclei")
	assert.Contains(t, p, "severity: array (options: info, low, medium, high, critical)")
	assert.Contains(t, p, "url: string")
	assert.Contains(t, p, "This is the first step. No previous actions.")
	assert.NotContains(t, p, "<budget>")
	assert.NotContains(t, p, "<previous_observation>")

	// katana's url is the only hard-required builtin param.
	assert.Contains(t, p, "url: string (required)")
}

func TestBuildThinkPromptEmptyScope(t *testing.T) {
	p := BuildThinkPrompt("g", nil, nil, scope.Policy{}, nil, "")
	assert.Contains(t, p, "(none - do not scan anything)")
	assert.Contains(t, p, "No tools available.")
}

func TestBuildPlanPrompt(t *testing.T) {
	p := BuildPlanPrompt("Audit example.com", tools.Builtins(), scope.Policy{Allow: []string{"example.com"}})

	assert.Contains(t, p, "STEP-BY-STEP execution plan")
	assert.Contains(t, p, `"plan_id"`)
	assert.Contains(t, p, "Step ids start at 1")
	assert.Contains(t, p, "- name: subfinder")
	assert.Contains(t, p, "<current_goal>\nAudit example.com\n</current_goal>")
	assert.NotContains(t, p, "<memory_context>", "plans are generated without history")

	blocks := strings.Split(p, "\n\n")
	assert.GreaterOrEqual(t, len(blocks), 5, "blocks are joined by blank lines")
}
