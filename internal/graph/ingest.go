/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package graph

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/events"
	"github.com/sentryai/sentry/internal/mission"
)

// MissionNodeKind labels the node that stands in for the mission itself,
// anchoring everything it discovered.
const MissionNodeKind = "mission"

// graphUpdate mirrors the workflow's graph_update payload.
type graphUpdate struct {
	StepID int    `json:"step_id"`
	Tool   string `json:"tool"`
	Assets []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"assets"`
}

// Ingestor tails graph_update events off the bus and applies them to a
// Store. The namespace resolver maps a mission onto its tenant's graph
// prefix; the ingestor never interprets namespaces itself.
type Ingestor struct {
	graph Store
	nsFor func(missionID string) string
	log   *zap.Logger
}

func NewIngestor(g Store, nsFor func(missionID string) string, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{graph: g, nsFor: nsFor, log: log}
}

// Run consumes the subscription until ctx ends or the subscriber closes.
func (i *Ingestor) Run(ctx context.Context, sub *events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			i.apply(ctx, evt)
		}
	}
}

func (i *Ingestor) apply(ctx context.Context, evt mission.Event) {
	if evt.Topic != mission.TopicGraphUpdate || evt.MissionID == "" {
		return
	}
	var upd graphUpdate
	if err := json.Unmarshal(evt.Payload, &upd); err != nil {
		i.log.Warn("undecodable graph update",
			zap.String("mission_id", evt.MissionID),
			zap.Error(err))
		return
	}
	if len(upd.Assets) == 0 {
		return
	}

	ns := i.nsFor(evt.MissionID)
	root, err := i.graph.UpsertAsset(ctx, ns, Asset{
		Kind:      MissionNodeKind,
		Value:     evt.MissionID,
		MissionID: evt.MissionID,
	})
	if err != nil {
		i.log.Warn("upsert mission node failed",
			zap.String("mission_id", evt.MissionID),
			zap.Error(err))
		return
	}

	for _, a := range upd.Assets {
		node, err := i.graph.UpsertAsset(ctx, ns, Asset{
			Kind:      a.Type,
			Value:     a.Value,
			MissionID: evt.MissionID,
			Props: map[string]string{
				"tool": upd.Tool,
				"step": strconv.Itoa(upd.StepID),
			},
		})
		if err != nil {
			i.log.Warn("upsert asset failed",
				zap.String("mission_id", evt.MissionID),
				zap.String("value", a.Value),
				zap.Error(err))
			continue
		}
		if err := i.graph.Link(ctx, ns, Edge{
			From:     root.ID,
			To:       node.ID,
			Relation: "discovered",
		}); err != nil {
			i.log.Warn("link asset failed",
				zap.String("mission_id", evt.MissionID),
				zap.String("asset_id", node.ID),
				zap.Error(err))
		}
	}
}
