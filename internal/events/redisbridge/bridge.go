/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package redisbridge connects the in-process event bus to Redis pub/sub so
// missions stay observable across process boundaries. Worker processes run
// the bridge outbound-only; the control plane runs it in both directions.
package redisbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/events"
	"github.com/sentryai/sentry/internal/mission"
)

// Channel names shared with external observers. Per-mission log lines go on
// ChannelJobLogsPrefix + mission id; everything else fans out on a broadcast
// channel keyed by topic.
const (
	ChannelJobLogsPrefix = "job_logs:"
	ChannelAgentEvents   = "agent_events"
	ChannelScanUpdates   = "scan_updates"
	ChannelGraphUpdates  = "graph_updates"
	ChannelFindings      = "findings"
	ChannelNotifications = "notifications"
)

// BroadcastChannels lists the fixed channels the inbound side subscribes to.
func BroadcastChannels() []string {
	return []string{
		ChannelAgentEvents, ChannelScanUpdates, ChannelGraphUpdates,
		ChannelFindings, ChannelNotifications,
	}
}

// ChannelFor maps an event to its Redis channel.
func ChannelFor(evt mission.Event) string {
	if evt.Kind == mission.KindLog && evt.MissionID != "" {
		return ChannelJobLogsPrefix + evt.MissionID
	}
	switch evt.Topic {
	case mission.TopicAgentThought, mission.TopicPlanProposal:
		return ChannelAgentEvents
	case mission.TopicFinding:
		return ChannelFindings
	case mission.TopicGraphUpdate:
		return ChannelGraphUpdates
	case mission.TopicScopeViolation, mission.TopicBudgetWarning, mission.TopicNotification:
		return ChannelNotifications
	default:
		return ChannelScanUpdates
	}
}

// Conn is the slice of the Redis client the bridge relies on.
type Conn interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// Publish sends one event to its channel. Workflow activities call this
// directly so their retry policy supplies the delivery guarantee.
func Publish(ctx context.Context, rdb Conn, evt mission.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := ChannelFor(evt)
	if err := rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Bridge pumps events between the local bus and Redis. One goroutine owns
// each direction; neither ever blocks a producer.
type Bridge struct {
	bus     *events.Bus
	rdb     Conn
	log     *zap.Logger
	origin  string
	inbound bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a bidirectional bridge: locally published events flow out to
// Redis, remote events flow back onto the bus. Outbound events carry the
// bridge's origin id; the inbound side drops matches so a broadcast never
// echoes back onto the bus it came from.
func New(bus *events.Bus, rdb Conn, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{bus: bus, rdb: rdb, log: log, origin: uuid.NewString(), inbound: true}
}

// NewOutbound builds an outbound-only bridge for processes that emit events
// but serve no observers.
func NewOutbound(bus *events.Bus, rdb Conn, log *zap.Logger) *Bridge {
	b := New(bus, rdb, log)
	b.inbound = false
	return b
}

// Start launches the pump goroutines. The outbound subscription is taken
// before Start returns, so no event published afterwards is missed.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	sub := b.bus.SubscribeLocal("")
	b.wg.Add(1)
	go b.outboundLoop(ctx, sub)

	if b.inbound {
		b.wg.Add(1)
		go b.inboundLoop(ctx)
	}
}

// Close stops both pumps and waits for them to exit.
func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Bridge) outboundLoop(ctx context.Context, sub *events.Subscriber) {
	defer b.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				b.log.Warn("outbound bridge evicted from bus, stopping")
				return
			}
			evt.Origin = b.origin
			if err := Publish(ctx, b.rdb, evt); err != nil && ctx.Err() == nil {
				b.log.Warn("bridge publish failed",
					zap.String("mission_id", evt.MissionID),
					zap.String("topic", string(evt.Topic)),
					zap.Error(err),
				)
			}
		}
	}
}

// inboundLoop consumes the broadcast channels plus the per-mission log
// pattern. go-redis reconnects the pub/sub connection itself with backoff,
// so the loop only exits on cancellation.
func (b *Bridge) inboundLoop(ctx context.Context) {
	defer b.wg.Done()
	ps := b.rdb.Subscribe(ctx, BroadcastChannels()...)
	defer ps.Close()
	if err := ps.PSubscribe(ctx, ChannelJobLogsPrefix+"*"); err != nil {
		b.log.Error("job log pattern subscribe failed", zap.Error(err))
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(msg.Channel, msg.Payload)
		}
	}
}

// deliver decodes a wire message and forwards it onto the local bus.
// Messages this bridge exported itself are dropped; the bus already served
// them to local subscribers on first publish.
func (b *Bridge) deliver(channel, payload string) {
	var evt mission.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		b.log.Warn("bridge message undecodable",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}
	if evt.Origin == b.origin {
		return
	}
	if evt.MissionID == "" && strings.HasPrefix(channel, ChannelJobLogsPrefix) {
		evt.MissionID = strings.TrimPrefix(channel, ChannelJobLogsPrefix)
	}
	b.bus.Forward(evt)
}
