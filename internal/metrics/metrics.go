/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the Prometheus metrics shared by the control plane
// and the scan worker. Everything registers with the default registry and is
// served from the control plane's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - sentry_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MissionsTotal counts missions that reached a terminal status.
	MissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_missions_total",
			Help: "Total missions by terminal status.",
		},
		[]string{"status"},
	)

	// MissionDurationSeconds is a histogram of mission wall time by scan type.
	MissionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentry_mission_duration_seconds",
			Help:    "Duration of missions in seconds.",
			Buckets: []float64{30, 60, 300, 600, 1200, 2400, 3600, 7200, 14400},
		},
		[]string{"scan_type"},
	)

	// MissionCostUSD is a histogram of model spend per mission.
	MissionCostUSD = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentry_mission_cost_usd",
			Help:    "Model spend per mission in US dollars.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 25},
		},
	)

	// ActiveMissions is the number of missions currently executing.
	ActiveMissions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentry_active_missions",
			Help: "Number of missions currently executing.",
		},
	)

	// FindingsTotal counts findings by severity.
	FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_findings_total",
			Help: "Total findings reported by missions.",
		},
		[]string{"severity"},
	)

	// ScopeDenialsTotal counts blocked tool invocations by decision.
	ScopeDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_scope_denials_total",
			Help: "Total tool invocations denied by scope enforcement.",
		},
		[]string{"decision"},
	)

	// BudgetStopsTotal counts missions halted by a budget ceiling.
	BudgetStopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_budget_stops_total",
			Help: "Total budget exhaustions by limiting resource.",
		},
		[]string{"reason"},
	)

	// ToolRunsTotal counts tool executions by tool and outcome.
	ToolRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_tool_runs_total",
			Help: "Total tool executions by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// ToolDurationSeconds is a histogram of tool execution time.
	ToolDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentry_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"tool"},
	)

	// StepsTotal counts agent steps across all missions.
	StepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentry_steps_total",
			Help: "Total agent steps executed across all missions.",
		},
	)

	// TokensTotal counts model tokens by model and direction (input/output).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_tokens_used_total",
			Help: "Total model tokens consumed by missions.",
		},
		[]string{"model", "direction"},
	)

	// LLMRetriesTotal counts model call retries by reason.
	LLMRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_llm_retries_total",
			Help: "Total model call retries by reason.",
		},
		[]string{"reason"},
	)

	// EventsPublishedTotal counts bus events by topic.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_events_published_total",
			Help: "Total mission events published to the bus.",
		},
		[]string{"topic"},
	)

	// NotificationsTotal counts outbound finding alerts by channel and outcome.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_notifications_total",
			Help: "Total finding notifications by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	// ScheduleLagSeconds is the delay between a schedule's due time and the
	// actual trigger.
	ScheduleLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentry_schedule_lag_seconds",
			Help: "Seconds between a schedule's due time and the actual trigger.",
		},
		[]string{"schedule"},
	)

	// WSClients is the number of connected websocket observers.
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentry_ws_clients",
			Help: "Number of connected websocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MissionsTotal,
		MissionDurationSeconds,
		MissionCostUSD,
		ActiveMissions,
		FindingsTotal,
		ScopeDenialsTotal,
		BudgetStopsTotal,
		ToolRunsTotal,
		ToolDurationSeconds,
		StepsTotal,
		TokensTotal,
		LLMRetriesTotal,
		EventsPublishedTotal,
		NotificationsTotal,
		ScheduleLagSeconds,
		WSClients,
	)
}

// RecordMissionComplete records the terminal observation for one mission.
func RecordMissionComplete(status, scanType string, duration time.Duration, costUSD float64) {
	MissionsTotal.WithLabelValues(status).Inc()
	MissionDurationSeconds.WithLabelValues(scanType).Observe(duration.Seconds())
	MissionCostUSD.Observe(costUSD)
}

// RecordFinding records a single finding.
func RecordFinding(severity string) {
	FindingsTotal.WithLabelValues(severity).Inc()
}

// RecordScopeDenial records one blocked tool invocation.
func RecordScopeDenial(decision string) {
	ScopeDenialsTotal.WithLabelValues(decision).Inc()
}

// RecordBudgetStop records a budget exhaustion.
func RecordBudgetStop(reason string) {
	BudgetStopsTotal.WithLabelValues(reason).Inc()
}

// RecordToolRun records one tool execution.
func RecordToolRun(tool, outcome string, duration time.Duration) {
	ToolRunsTotal.WithLabelValues(tool, outcome).Inc()
	ToolDurationSeconds.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordTokens records model token usage for one completion.
func RecordTokens(model string, input, output int) {
	TokensTotal.WithLabelValues(model, "input").Add(float64(input))
	TokensTotal.WithLabelValues(model, "output").Add(float64(output))
}

// RecordStep records one agent step.
func RecordStep() {
	StepsTotal.Inc()
}

// RecordLLMRetry records one model call retry.
func RecordLLMRetry(reason string) {
	LLMRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordEventPublished records one bus publication.
func RecordEventPublished(topic string) {
	EventsPublishedTotal.WithLabelValues(topic).Inc()
}

// RecordNotification records one outbound alert attempt.
func RecordNotification(channel, outcome string) {
	NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordScheduleLag records the trigger delay for a schedule.
func RecordScheduleLag(schedule string, lag time.Duration) {
	ScheduleLagSeconds.WithLabelValues(schedule).Set(lag.Seconds())
}
