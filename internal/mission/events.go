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
	"time"
)

// Topic routes an event to subscribers. Ordering is guaranteed per
// (mission, topic), not across topics.
type Topic string

const (
	TopicPlanProposal   Topic = "plan_proposal"
	TopicStepBegin      Topic = "step_begin"
	TopicStepComplete   Topic = "step_complete"
	TopicScopeViolation Topic = "scope_violation"
	TopicBudgetWarning  Topic = "budget_warning"
	TopicFinding        Topic = "finding"
	TopicStatus         Topic = "status"
	TopicAgentThought   Topic = "agent_thought"
	TopicGraphUpdate    Topic = "graph_update"
	TopicNotification   Topic = "notification"
)

// Topics lists every topic an observer may subscribe to.
func Topics() []Topic {
	return []Topic{
		TopicPlanProposal, TopicStepBegin, TopicStepComplete,
		TopicScopeViolation, TopicBudgetWarning, TopicFinding,
		TopicStatus, TopicAgentThought, TopicGraphUpdate,
		TopicNotification,
	}
}

// KindLog marks events that carry raw tool output lines. The bridge routes
// them onto the per-mission log channel instead of the broadcast channels.
const KindLog = "log"

// Event is the envelope carried by the in-process bus and the external
// bridge. Seq increases per (mission, topic) and lets observers detect
// reordering after a reconnect.
type Event struct {
	MissionID string    `json:"mission_id"`
	Topic     Topic     `json:"topic"`
	Kind      string    `json:"kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq,omitempty"`
	// Origin identifies the bridge instance that exported the event, so a
	// bidirectional bridge can discard its own messages coming back.
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope, marshalling payload. A payload that cannot
// marshal becomes a JSON string with the error text so the event still flows.
func NewEvent(missionID string, topic Topic, kind string, payload any) Event {
	evt := Event{
		MissionID: missionID,
		Topic:     topic,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
		}
		evt.Payload = raw
	}
	return evt
}
