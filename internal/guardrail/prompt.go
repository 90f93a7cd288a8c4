/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package guardrail

import (
	"fmt"
	"strings"

	"github.com/sentryai/sentry/internal/budget"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/tools"
)

// The system prompt is assembled from blocks joined by blank lines:
// identity, memory, tools, scope, budget, output contract, goal, and on
// non-initial turns the previous observation.

const identityBlock = `<system_role>
You are SENTRY, an autonomous senior security engineer.
Your goal is to audit infrastructure, identify vulnerabilities, and verify them safely.
You operate in a loop: THOUGHT -> PLAN -> ACTION -> OBSERVATION.
</system_role>

<prime_directives>
1. SAFETY FIRST: Never execute destructive commands.
2. SCOPE ADHERENCE: Only scan targets explicitly listed in the <scope> tag. NEVER scan outside scope.
3. NO HALLUCINATION: You cannot "pretend" to run a tool. You must invoke the tool_call object.
4. EVIDENCE BASED: Do not report a vulnerability unless you have validated it with a successful tool output.
5. EFFICIENCY: Use the minimum number of steps necessary. Avoid redundant scans.
6. LEGALITY: You are authorized to scan the targets in scope. Do not attempt social engineering.
</prime_directives>`

const outputFormatBlock = `<output_format>
You must respond STRICTLY in JSON format. Do not write any text outside the JSON object.
No markdown code fences. Just raw JSON.

Schema:
{
  "thought": "Analyze the previous observation. What does it mean?",
  "reasoning": "Why am I choosing the next step?",
  "tool_call": {
    "tool_name": "tool_name",
    "arguments": {"arg1": "value1", "arg2": "value2"},
    "target": "the host or URL this step touches"
  },
  "status_update": "Human-readable status for the UI",
  "is_complete": false,
  "findings": []
}

When the mission is complete, set "is_complete": true and "tool_call": null.
When you find a vulnerability, add it to the "findings" array with:
{
  "severity": "critical|high|medium|low|info",
  "title": "Brief description",
  "evidence": "The proof from tool output",
  "affected_asset": "URL or endpoint affected"
}
</output_format>`

const planIdentityBlock = `<system_role>
You are SENTRY, a senior security engineer.
Your goal is to create a STEP-BY-STEP execution plan to achieve the user's objective.
</system_role>

<prime_directives>
1. EFFICIENCY: Use the specific tools provided.
2. LOGICAL ORDER: Reconnaissance -> Discovery -> Vulnerability Scanning.
3. CONCISENESS: Only include necessary steps.
</prime_directives>`

const planOutputFormatBlock = `<output_format>
You must respond STRICTLY in JSON format. Do not write any text outside the JSON object.
No markdown code fences. Just raw JSON.

Schema:
{
  "plan_id": "short identifier for this plan",
  "objective": "Restate the goal in one line",
  "steps": [
    {
      "id": 1,
      "title": "Enumerate subdomains",
      "description": "What this step does and why",
      "risk": "low|medium|high",
      "tool": {
        "tool_name": "subfinder",
        "arguments": {"domain": "example.com"},
        "target": "example.com"
      }
    }
  ]
}

Step ids start at 1 and increase by 1. Every step must use a tool from <available_tools>.
</output_format>`

// User-turn messages paired with the assembled system prompt.
const (
	thinkUserMessage = "Analyze the current state and decide the next step."
	planUserMessage  = "Generate a security assessment plan for this objective."
)

// BuildThinkPrompt assembles the system prompt for one agent turn.
func BuildThinkPrompt(goal string, mem []Entry, defs []tools.Schema, pol scope.Policy, snap *budget.Snapshot, observation string) string {
	parts := []string{
		identityBlock,
		formatMemory(mem),
		formatTools(defs),
		formatScope(pol),
	}
	if snap != nil {
		parts = append(parts, formatBudget(snap))
	}
	parts = append(parts, outputFormatBlock, formatGoal(goal))
	if observation != "" {
		parts = append(parts, "<previous_observation>\n"+observation+"\n</previous_observation>")
	}
	return strings.Join(parts, "\n\n")
}

// BuildPlanPrompt assembles the system prompt for first-turn plan generation.
func BuildPlanPrompt(goal string, defs []tools.Schema, pol scope.Policy) string {
	parts := []string{
		planIdentityBlock,
		formatTools(defs),
		formatScope(pol),
		planOutputFormatBlock,
		formatGoal(goal),
	}
	return strings.Join(parts, "\n\n")
}

func formatGoal(goal string) string {
	return "<current_goal>\n" + goal + "\n</current_goal>"
}

func formatMemory(entries []Entry) string {
	if len(entries) == 0 {
		return "<memory_context>\nThis is the first step. No previous actions.\n</memory_context>"
	}
	var sb strings.Builder
	sb.WriteString("<memory_context>\n")
	for i, e := range entries {
		fmt.Fprintf(&sb, "Step %d: %s -> %s\n", i+1, e.Action, e.Summary)
	}
	sb.WriteString("</memory_context>")
	return sb.String()
}

func formatTools(defs []tools.Schema) string {
	if len(defs) == 0 {
		return "<available_tools>\nNo tools available.\n</available_tools>"
	}
	var sb strings.Builder
	sb.WriteString("<available_tools>\n")
	for _, s := range defs {
		fmt.Fprintf(&sb, "- name: %s\n  description: %s\n  parameters:\n", s.Name, s.Description)
		for _, p := range s.Params {
			fmt.Fprintf(&sb, "    %s: %s", p.Name, p.Type)
			if p.Required {
				sb.WriteString(" (required)")
			}
			if len(p.Choices) > 0 {
				fmt.Fprintf(&sb, " (options: %s)", strings.Join(p.Choices, ", "))
			}
			if p.Description != "" {
				fmt.Fprintf(&sb, " - %s", p.Description)
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString("</available_tools>")
	return sb.String()
}

func formatScope(pol scope.Policy) string {
	allowed := make([]string, 0, len(pol.Allow)+len(pol.AllowCIDRs))
	allowed = append(allowed, pol.Allow...)
	allowed = append(allowed, pol.AllowCIDRs...)
	excluded := make([]string, 0, len(pol.Exclude)+len(pol.ExcludeCIDRs))
	excluded = append(excluded, pol.Exclude...)
	excluded = append(excluded, pol.ExcludeCIDRs...)

	var sb strings.Builder
	sb.WriteString("<scope>\n")
	sb.WriteString("ALLOWED TARGETS (you may ONLY scan these):\n")
	if len(allowed) == 0 {
		sb.WriteString("  (none - do not scan anything)\n")
	}
	for _, t := range allowed {
		fmt.Fprintf(&sb, "  - %s\n", t)
	}
	if len(excluded) > 0 {
		sb.WriteString("\nEXCLUDED (do NOT scan even if in allowed range):\n")
		for _, t := range excluded {
			fmt.Fprintf(&sb, "  - %s\n", t)
		}
	}
	sb.WriteString("</scope>")
	return sb.String()
}

func formatBudget(s *budget.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("<budget>\n")
	fmt.Fprintf(&sb, "Steps used: %.0f of %.0f\n", s.Steps.Used, s.Steps.Limit)
	fmt.Fprintf(&sb, "Spend: $%.2f of $%.2f\n", s.Cost.Used, s.Cost.Limit)
	fmt.Fprintf(&sb, "Runtime: %.0f of %.0f minutes\n", s.RuntimeMinutes.Used, s.RuntimeMinutes.Limit)
	sb.WriteString("Stay within these limits. Prefer cheap, targeted actions as they near exhaustion.\n")
	sb.WriteString("</budget>")
	return sb.String()
}
