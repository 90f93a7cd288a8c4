/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package budget

import (
	"math"
	"time"
)

// Gauge reports one budget dimension as used/limit plus a percentage.
type Gauge struct {
	Used      float64 `json:"used"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
	Percent   float64 `json:"percent"`
}

func gauge(used, limit float64) Gauge {
	g := Gauge{Used: round2(used), Limit: limit, Remaining: round2(limit - used)}
	if limit > 0 {
		g.Percent = round1(used / limit * 100)
	}
	return g
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Snapshot is the immutable view returned to status queries.
type Snapshot struct {
	MissionID         string `json:"mission_id"`
	Active            bool   `json:"active"`
	Paused            bool   `json:"paused"`
	Killed            bool   `json:"killed"`
	KillReason        string `json:"kill_reason,omitempty"`
	Steps             Gauge  `json:"steps"`
	Cost              Gauge  `json:"cost_usd"`
	RuntimeMinutes    Gauge  `json:"runtime_minutes"`
	ErrorsTotal       int    `json:"errors_total"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
	RetryTargets      int    `json:"retry_targets"`
	HistoryDepth      int    `json:"history_depth"`
}

// Snapshot copies the enforcer state for external readers. It never mutates.
func (e *Enforcer) Snapshot() Snapshot {
	runtime := e.now().Sub(e.startedAt)
	return Snapshot{
		MissionID:         e.missionID,
		Active:            !e.killed && !e.paused,
		Paused:            e.paused,
		Killed:            e.killed,
		KillReason:        e.killReason,
		Steps:             gauge(float64(e.stepsTaken), float64(e.limits.MaxSteps)),
		Cost:              gauge(e.totalCostUSD, e.limits.MaxCostUSD),
		RuntimeMinutes:    gauge(runtime.Minutes(), e.limits.MaxRuntime.Minutes()),
		ErrorsTotal:       e.errorsTotal,
		ConsecutiveErrors: e.consecutiveErrors,
		LastError:         e.lastError,
		RetryTargets:      len(e.retryCounts),
		HistoryDepth:      len(e.history),
	}
}

// StepsTaken reports the step counter.
func (e *Enforcer) StepsTaken() int { return e.stepsTaken }

// CostUSD reports accumulated spend.
func (e *Enforcer) CostUSD() float64 { return e.totalCostUSD }

// Runtime reports wall-clock time since the enforcer was created.
func (e *Enforcer) Runtime() time.Duration { return e.now().Sub(e.startedAt) }
