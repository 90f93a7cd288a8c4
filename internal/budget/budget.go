/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package budget enforces the cognitive budget of a mission: step, cost,
// runtime, idle, and consecutive-error caps, a per-target retry governor,
// and signature-based loop detection.
//
// An Enforcer is mission-local and is mutated only from the workflow body,
// so it carries no locking. All clock reads go through an injected now
// function; inside a workflow that must be backed by workflow.Now so replay
// stays deterministic.
package budget

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Limits bundles the numeric caps plus loop-detection parameters.
type Limits struct {
	MaxSteps             int           `json:"max_steps"`
	MaxCostUSD           float64       `json:"max_cost_usd"`
	MaxRuntime           time.Duration `json:"max_runtime"`
	MaxIdle              time.Duration `json:"max_idle"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
	MaxRetriesPerTarget  int           `json:"max_retries_per_target"`
	LoopWindow           int           `json:"loop_detection_window"`
	LoopThreshold        float64       `json:"similarity_threshold"`
	PauseOnWarning       bool          `json:"pause_on_warning"`
}

// DefaultLimits returns the platform defaults for a mission without
// explicit budget overrides.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:             50,
		MaxCostUSD:           5.0,
		MaxRuntime:           60 * time.Minute,
		MaxIdle:              120 * time.Second,
		MaxConsecutiveErrors: 3,
		MaxRetriesPerTarget:  3,
		LoopWindow:           10,
		LoopThreshold:        0.8,
	}
}

// Normalize fills zero fields with defaults so partially specified
// overrides are safe.
func (l Limits) Normalize() Limits {
	d := DefaultLimits()
	if l.MaxSteps <= 0 {
		l.MaxSteps = d.MaxSteps
	}
	if l.MaxCostUSD <= 0 {
		l.MaxCostUSD = d.MaxCostUSD
	}
	if l.MaxRuntime <= 0 {
		l.MaxRuntime = d.MaxRuntime
	}
	if l.MaxIdle <= 0 {
		l.MaxIdle = d.MaxIdle
	}
	if l.MaxConsecutiveErrors <= 0 {
		l.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if l.MaxRetriesPerTarget <= 0 {
		l.MaxRetriesPerTarget = d.MaxRetriesPerTarget
	}
	if l.LoopWindow <= 0 {
		l.LoopWindow = d.LoopWindow
	}
	if l.LoopThreshold <= 0 || l.LoopThreshold > 1 {
		l.LoopThreshold = d.LoopThreshold
	}
	return l
}

// ReasonCode identifies why CanProceed refused.
type ReasonCode string

const (
	ReasonKilled          ReasonCode = "KILLED"
	ReasonPaused          ReasonCode = "PAUSED"
	ReasonStepsExhausted  ReasonCode = "STEPS_EXHAUSTED"
	ReasonCostExhausted   ReasonCode = "COST_EXHAUSTED"
	ReasonRuntimeExceeded ReasonCode = "RUNTIME_EXCEEDED"
	ReasonIdleTimeout     ReasonCode = "IDLE_TIMEOUT"
	ReasonErrorsExceeded  ReasonCode = "ERRORS_EXCEEDED"
)

// Check is the result of a CanProceed call.
type Check struct {
	OK     bool       `json:"ok"`
	Code   ReasonCode `json:"code,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// WarningCode identifies a soft violation raised by RecordAction or AddCost.
type WarningCode string

const (
	WarnCostThreshold WarningCode = "COST_THRESHOLD"
	WarnStepThreshold WarningCode = "STEP_THRESHOLD"
	WarnLoopDetected  WarningCode = "LOOP_DETECTED"
)

// Warning annotates budget consumption without stopping the mission.
// The workflow decides whether a LOOP_DETECTED warning is fatal.
type Warning struct {
	Code   WarningCode `json:"code"`
	Detail string      `json:"detail"`
}

const historyDepth = 50

// volatileKeys never participate in action signatures.
var volatileKeys = map[string]bool{
	"timestamp":  true,
	"request_id": true,
	"session_id": true,
}

// Enforcer tracks one mission's consumption against its limits.
type Enforcer struct {
	missionID string
	limits    Limits
	now       func() time.Time

	stepsTaken        int
	totalCostUSD      float64
	errorsTotal       int
	consecutiveErrors int
	startedAt         time.Time
	lastActionAt      time.Time

	history     []string // action signatures, newest last, capped at historyDepth
	retryCounts map[string]int
	lastError   string

	paused     bool
	killed     bool
	killReason string
}

// New builds an enforcer. now may be nil outside a workflow; inside one it
// must wrap workflow.Now.
func New(missionID string, limits Limits, now func() time.Time) *Enforcer {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	t := now()
	return &Enforcer{
		missionID:    missionID,
		limits:       limits.Normalize(),
		now:          now,
		startedAt:    t,
		lastActionAt: t,
		retryCounts:  make(map[string]int),
	}
}

// Limits returns the normalized limits in force.
func (e *Enforcer) Limits() Limits { return e.limits }

// CanProceed is queried before every step. The first matching stop
// condition wins.
func (e *Enforcer) CanProceed() Check {
	if e.killed {
		return Check{Code: ReasonKilled, Reason: fmt.Sprintf("mission killed: %s", e.killReason)}
	}
	if e.paused {
		return Check{Code: ReasonPaused, Reason: "mission paused, awaiting operator"}
	}
	if e.stepsTaken >= e.limits.MaxSteps {
		return Check{Code: ReasonStepsExhausted, Reason: fmt.Sprintf("step budget exhausted (%d/%d)", e.stepsTaken, e.limits.MaxSteps)}
	}
	if e.totalCostUSD >= e.limits.MaxCostUSD {
		return Check{Code: ReasonCostExhausted, Reason: fmt.Sprintf("cost budget exhausted ($%.2f/$%.2f)", e.totalCostUSD, e.limits.MaxCostUSD)}
	}
	if runtime := e.now().Sub(e.startedAt); runtime > e.limits.MaxRuntime {
		return Check{Code: ReasonRuntimeExceeded, Reason: fmt.Sprintf("time budget exhausted (%.1f/%.0f minutes)", runtime.Minutes(), e.limits.MaxRuntime.Minutes())}
	}
	if idle := e.now().Sub(e.lastActionAt); idle > e.limits.MaxIdle {
		return Check{Code: ReasonIdleTimeout, Reason: fmt.Sprintf("agent idle too long (%.0fs > %.0fs)", idle.Seconds(), e.limits.MaxIdle.Seconds())}
	}
	if e.consecutiveErrors >= e.limits.MaxConsecutiveErrors {
		return Check{Code: ReasonErrorsExceeded, Reason: fmt.Sprintf("too many consecutive errors (%d)", e.consecutiveErrors)}
	}
	return Check{OK: true}
}

// RecordAction records a completed step: bumps counters, appends the action
// signature, and returns any threshold or loop warnings raised.
func (e *Enforcer) RecordAction(actionType, target string, params map[string]any, costUSD float64) []Warning {
	e.stepsTaken++
	e.totalCostUSD += costUSD
	e.lastActionAt = e.now()
	e.consecutiveErrors = 0

	e.history = append(e.history, Signature(actionType, target, params))
	if len(e.history) > historyDepth {
		e.history = e.history[len(e.history)-historyDepth:]
	}

	warnings := e.checkThresholds()
	if w, looping := e.checkLoop(); looping {
		warnings = append(warnings, w)
		if e.limits.PauseOnWarning {
			e.paused = true
		}
	}
	return warnings
}

// RecordError notes a failed action. Consecutive errors gate CanProceed.
func (e *Enforcer) RecordError(kind, detail string) {
	e.errorsTotal++
	e.consecutiveErrors++
	e.lastActionAt = e.now()
	e.lastError = fmt.Sprintf("%s: %s", kind, detail)
}

// Touch resets the idle timer without consuming a step. Observer
// interaction and plan progress both count as activity, so a slow human
// approval never reads as an idle agent.
func (e *Enforcer) Touch() { e.lastActionAt = e.now() }

// RecordRetry asks for retry quota against a target. It returns false once
// the per-target cap is spent; a false answer does not consume quota.
func (e *Enforcer) RecordRetry(target string) bool {
	key := normalizeTarget(target)
	if e.retryCounts[key] >= e.limits.MaxRetriesPerTarget {
		return false
	}
	e.retryCounts[key]++
	return true
}

// AddCost accrues spend that is not a step, such as LLM token usage.
func (e *Enforcer) AddCost(usd float64) []Warning {
	e.totalCostUSD += usd
	return e.checkThresholds()
}

// Pause suspends the mission until Resume.
func (e *Enforcer) Pause() { e.paused = true }

// Resume lifts a pause and forgives consecutive errors.
func (e *Enforcer) Resume() {
	e.paused = false
	e.consecutiveErrors = 0
}

// Kill permanently stops the mission. There is no un-kill.
func (e *Enforcer) Kill(reason string) {
	e.killed = true
	e.killReason = reason
}

// Killed reports the kill flag and reason.
func (e *Enforcer) Killed() (bool, string) { return e.killed, e.killReason }

// Paused reports the pause flag.
func (e *Enforcer) Paused() bool { return e.paused }

func (e *Enforcer) checkThresholds() []Warning {
	var out []Warning
	if ratio := e.totalCostUSD / e.limits.MaxCostUSD; ratio >= 0.8 && e.totalCostUSD < e.limits.MaxCostUSD {
		out = append(out, Warning{Code: WarnCostThreshold, Detail: fmt.Sprintf("cost at %.0f%% of budget", ratio*100)})
		if e.limits.PauseOnWarning {
			e.paused = true
		}
	}
	if ratio := float64(e.stepsTaken) / float64(e.limits.MaxSteps); ratio >= 0.9 && e.stepsTaken < e.limits.MaxSteps {
		out = append(out, Warning{Code: WarnStepThreshold, Detail: fmt.Sprintf("steps at %.0f%% of budget", ratio*100)})
		if e.limits.PauseOnWarning {
			e.paused = true
		}
	}
	return out
}

// checkLoop flags when one signature dominates the recent window. Only the
// single most common signature is considered; interleaved two-action cycles
// are deliberately not flagged.
func (e *Enforcer) checkLoop() (Warning, bool) {
	if len(e.history) < e.limits.LoopWindow {
		return Warning{}, false
	}
	window := e.history[len(e.history)-e.limits.LoopWindow:]
	freq := make(map[string]int, len(window))
	top, topSig := 0, ""
	for _, sig := range window {
		freq[sig]++
		if freq[sig] > top {
			top, topSig = freq[sig], sig
		}
	}
	rate := float64(top) / float64(len(window))
	if rate < e.limits.LoopThreshold {
		return Warning{}, false
	}
	return Warning{
		Code:   WarnLoopDetected,
		Detail: fmt.Sprintf("repetitive action pattern %s (%d times in last %d actions)", topSig, top, len(window)),
	}, true
}

// Signature hashes an action to the 16-character digest used for loop
// detection. Volatile parameter keys are dropped and the rest are rendered
// in sorted order so equivalent actions collide.
func Signature(actionType, target string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if !volatileKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(actionType)
	b.WriteString(":")
	b.WriteString(normalizeTarget(target))
	b.WriteString(":")
	for i, k := range keys {
		if i > 0 {
			b.WriteString("|")
		}
		fmt.Fprintf(&b, "%s=%v", k, params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func normalizeTarget(target string) string {
	return strings.TrimRight(strings.TrimSpace(strings.ToLower(target)), "/")
}
