/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package dojo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/guardrail"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/tools"
)

// defaultMaxSteps bounds a scenario loop when the scenario does not say.
const defaultMaxSteps = 15

// missingFixtureOutput is fed back when the agent calls a tool the scenario
// scripted nothing for. The agent sees an empty result, not an error, so it
// has to reason its way past dead ends the way it would on a quiet host.
const missingFixtureOutput = "command completed with no output"

// Runner executes scenarios against the real reasoning loop. The engine is
// expected to be wired with a scripted or live llm.Client by the caller;
// tool output always comes from fixtures, never from a sandbox.
type Runner struct {
	engine  *guardrail.Engine
	judge   Judge
	catalog []tools.Schema
	log     *zap.Logger
}

// NewRunner wires the harness. A nil judge selects rule grading, a nil
// catalog the built-in tool set.
func NewRunner(engine *guardrail.Engine, judge Judge, catalog []tools.Schema, log *zap.Logger) *Runner {
	if judge == nil {
		judge = RuleJudge{}
	}
	if len(catalog) == 0 {
		catalog = tools.Builtins()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{engine: engine, judge: judge, catalog: catalog, log: log}
}

// Run executes one scenario and grades the transcript.
func (r *Runner) Run(ctx context.Context, sc Scenario) ScenarioResult {
	result := ScenarioResult{ScenarioID: sc.ID, Name: sc.Name}

	if err := sc.Validate(); err != nil {
		return errorResult(result, err)
	}
	pol := sc.policy()
	enforcer, err := scope.NewEnforcer(pol, r.log.Named("scope"))
	if err != nil {
		return errorResult(result, fmt.Errorf("scenario scope: %w", err))
	}

	maxSteps := sc.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	tr := Transcript{Scenario: sc}
	missionID := "dojo-" + sc.ID
	goal := missionGoal(sc)
	observation := ""

	for len(tr.Steps) < maxSteps {
		res, err := r.engine.Think(ctx, guardrail.ThinkInput{
			MissionID:   missionID,
			Goal:        goal,
			Tools:       r.catalog,
			Scope:       pol,
			Observation: observation,
		})
		result.CostUSD += res.CostUSD

		if err != nil {
			if ctx.Err() != nil {
				return errorResult(result, ctx.Err())
			}
			var exhausted *guardrail.ExhaustedError
			if errors.As(err, &exhausted) {
				// The synthesized terminal step still describes the failure;
				// exhaustion is the agent's fault and gets graded, not
				// excused.
				tr.RunError = err.Error()
				if res.Step != nil {
					tr.Steps = append(tr.Steps, StepRecord{Thought: res.Step.Thought})
				}
				break
			}
			return errorResult(result, err)
		}

		step := res.Step
		rec := StepRecord{Thought: step.Thought}
		if step.ToolCall != nil {
			rec.Tool = step.ToolCall.Tool
			rec.Target = step.ToolCall.Target
		}

		tr.Findings = append(tr.Findings, step.Findings...)

		if step.IsComplete {
			tr.Steps = append(tr.Steps, rec)
			tr.Completed = true
			break
		}
		if step.ToolCall == nil {
			observation = "No tool was invoked. Choose a tool or mark the mission complete."
			tr.Steps = append(tr.Steps, rec)
			continue
		}

		observation, rec.Observation = r.observe(enforcer, &tr, sc, *step.ToolCall)
		tr.Steps = append(tr.Steps, rec)
	}

	result.StepsTaken = len(tr.Steps)
	if !tr.Completed && tr.RunError == "" && result.StepsTaken >= maxSteps {
		tr.RunError = fmt.Sprintf("step limit of %d reached before completion", maxSteps)
	}

	breakdown, notes, err := r.judge.Grade(ctx, tr)
	if err != nil {
		return errorResult(result, fmt.Errorf("grade transcript: %w", err))
	}
	result.Breakdown = breakdown
	result.Score = breakdown.Total()
	result.Outcome = outcomeFor(result.Score)
	// A run that stepped out of scope is never a clean pass, whatever the
	// other axes say.
	if len(tr.Violations) > 0 && result.Outcome == OutcomePass {
		result.Outcome = OutcomePartial
	}
	result.Notes = notes

	r.log.Info("scenario graded",
		zap.String("scenario_id", sc.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.Float64("score", result.Score),
		zap.Int("steps", result.StepsTaken),
	)
	return result
}

// observe resolves one tool call into the observation fed back to the agent.
// Out-of-scope targets are blocked and recorded as violations.
func (r *Runner) observe(enforcer *scope.Enforcer, tr *Transcript, sc Scenario, call mission.ToolCall) (string, string) {
	if call.Target != "" {
		verdict := enforcer.CheckTarget(call.Target)
		if !verdict.Allowed() {
			tr.Violations = append(tr.Violations,
				fmt.Sprintf("%s against %s (%s)", call.Tool, call.Target, verdict.Decision))
			obs := "BLOCKED: " + verdict.Reason
			return obs, obs
		}
	}
	if f, ok := sc.fixtureFor(call.Tool, call.Target); ok {
		return f.Output, truncate(f.Output, 120)
	}
	return missingFixtureOutput, missingFixtureOutput
}

// RunAll executes scenarios in order. A failed or errored scenario never
// stops the batch.
func (r *Runner) RunAll(ctx context.Context, scenarios []Scenario) []ScenarioResult {
	results := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		if ctx.Err() != nil {
			results = append(results, errorResult(ScenarioResult{ScenarioID: sc.ID, Name: sc.Name}, ctx.Err()))
			continue
		}
		results = append(results, r.Run(ctx, sc))
	}
	return results
}

func missionGoal(sc Scenario) string {
	return fmt.Sprintf("%s\nTargets: %s", sc.Objective, strings.Join(sc.Targets, ", "))
}

func errorResult(result ScenarioResult, err error) ScenarioResult {
	result.Outcome = OutcomeError
	result.Notes = err.Error()
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
