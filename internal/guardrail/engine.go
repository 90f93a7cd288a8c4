/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package guardrail implements the agent's reasoning loop: dynamic prompt
// assembly, strict validation of model output, and bounded retries with
// error feedback. Nothing the model produces reaches a sandbox without
// passing the validation pipeline.
package guardrail

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/budget"
	"github.com/sentryai/sentry/internal/llm"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/tools"
)

const (
	maxAttempts = 3
	// Structured output needs low temperature.
	thinkTemperature = 0.2
)

// ExhaustedError is returned when every attempt produced invalid output.
// The accompanying result still carries a synthesized terminal step so the
// mission can fail visibly instead of hanging.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: no valid response after %d attempts: %v", CodeExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Engine drives one model turn at a time. It is used from activities, never
// from workflow code.
type Engine struct {
	llm       llm.Client
	validator *Validator
	memory    Memory
	log       *zap.Logger
}

// NewEngine wires the loop. A nil memory falls back to the in-process ring;
// a nil logger is replaced with a nop.
func NewEngine(client llm.Client, v *Validator, mem Memory, log *zap.Logger) *Engine {
	if mem == nil {
		mem = NewRingMemory()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{llm: client, validator: v, memory: mem, log: log}
}

// ThinkInput is the context for one agent turn.
type ThinkInput struct {
	MissionID   string
	Goal        string
	Tools       []tools.Schema
	Scope       scope.Policy
	Budget      *budget.Snapshot
	Observation string
}

// ThinkResult carries the validated step plus token usage accumulated over
// all attempts, including rejected ones.
type ThinkResult struct {
	Step         *mission.AgentStep
	Attempts     int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// PlanInput is the context for first-turn plan generation.
type PlanInput struct {
	MissionID string
	Goal      string
	Tools     []tools.Schema
	Scope     scope.Policy
}

// PlanResult carries the validated plan plus token usage over all attempts.
type PlanResult struct {
	Plan         *mission.Plan
	Attempts     int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Think executes one step of the reasoning loop. Invalid output is fed back
// to the model up to maxAttempts times; exhaustion returns a synthesized
// terminal step together with an *ExhaustedError.
func (e *Engine) Think(ctx context.Context, in ThinkInput) (ThinkResult, error) {
	mem, err := e.memory.Recent(ctx, in.MissionID, historyWindow)
	if err != nil {
		e.log.Warn("memory unavailable", zap.String("mission_id", in.MissionID), zap.Error(err))
	}
	prompt := BuildThinkPrompt(in.Goal, mem, in.Tools, in.Scope, in.Budget, in.Observation)

	var res ThinkResult
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		resp, err := e.llm.Complete(ctx, llm.Request{
			System:      prompt,
			Prompt:      thinkUserMessage,
			Temperature: thinkTemperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			lastErr = err
			e.log.Warn("model call failed", zap.String("mission_id", in.MissionID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		res.CostUSD += llm.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)

		step, verr := e.validator.ValidateStep(resp.Text)
		if verr == nil {
			res.Step = step
			if err := e.memory.Append(ctx, in.MissionID, EntryForStep(step, time.Now().UTC())); err != nil {
				e.log.Warn("memory append failed", zap.String("mission_id", in.MissionID), zap.Error(err))
			}
			return res, nil
		}
		lastErr = verr
		e.log.Warn("agent step rejected",
			zap.String("mission_id", in.MissionID),
			zap.String("code", string(verr.Code)),
			zap.String("reason", verr.Reason),
			zap.Int("attempt", attempt),
		)
		prompt += retryFeedback(verr.Reason)
	}

	res.Step = exhaustedStep(lastErr)
	return res, &ExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

// Plan generates and validates a first-turn execution plan with the same
// retry contract as Think. Exhaustion yields no plan.
func (e *Engine) Plan(ctx context.Context, in PlanInput) (PlanResult, error) {
	prompt := BuildPlanPrompt(in.Goal, in.Tools, in.Scope)

	var res PlanResult
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		resp, err := e.llm.Complete(ctx, llm.Request{
			System:      prompt,
			Prompt:      planUserMessage,
			Temperature: thinkTemperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			lastErr = err
			e.log.Warn("model call failed", zap.String("mission_id", in.MissionID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		res.CostUSD += llm.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)

		plan, verr := e.validator.ValidatePlan(resp.Text)
		if verr == nil {
			res.Plan = plan
			return res, nil
		}
		lastErr = verr
		e.log.Warn("plan rejected",
			zap.String("mission_id", in.MissionID),
			zap.String("code", string(verr.Code)),
			zap.String("reason", verr.Reason),
			zap.Int("attempt", attempt),
		)
		prompt += retryFeedback(verr.Reason)
	}
	return res, &ExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

func retryFeedback(reason string) string {
	return fmt.Sprintf("\n\n<error>Your previous response was invalid: %s. Please fix and respond again.</error>", reason)
}

func exhaustedStep(last error) *mission.AgentStep {
	reason := "unknown error"
	if last != nil {
		reason = last.Error()
	}
	return &mission.AgentStep{
		Thought:      fmt.Sprintf("Failed to generate a valid response after %d attempts", maxAttempts),
		Reasoning:    "Error: " + reason,
		StatusUpdate: "Agent encountered an error and needs human intervention",
		IsComplete:   true,
	}
}
