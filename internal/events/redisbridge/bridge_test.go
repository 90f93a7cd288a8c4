/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package redisbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryai/sentry/internal/events"
	"github.com/sentryai/sentry/internal/mission"
)

type published struct {
	channel string
	payload string
}

// fakeConn records Publish calls. Subscribe/PSubscribe are never exercised
// by these tests; the inbound decode path is covered through deliver.
type fakeConn struct {
	pubs chan published
	err  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{pubs: make(chan published, 16)}
}

func (f *fakeConn) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.pubs <- published{channel: channel, payload: string(message.([]byte))}
	return redis.NewIntResult(1, f.err)
}

func (f *fakeConn) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil
}

func (f *fakeConn) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return nil
}

func (f *fakeConn) next(t *testing.T) published {
	t.Helper()
	select {
	case p := <-f.pubs:
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
	return published{}
}

func (f *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case p := <-f.pubs:
		t.Fatalf("unexpected publish on %s: %s", p.channel, p.payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelFor(t *testing.T) {
	cases := []struct {
		name string
		evt  mission.Event
		want string
	}{
		{"log kind", mission.Event{MissionID: "m-1", Topic: mission.TopicStepComplete, Kind: mission.KindLog}, "job_logs:m-1"},
		{"thought", mission.Event{MissionID: "m-1", Topic: mission.TopicAgentThought}, ChannelAgentEvents},
		{"plan", mission.Event{MissionID: "m-1", Topic: mission.TopicPlanProposal}, ChannelAgentEvents},
		{"finding", mission.Event{MissionID: "m-1", Topic: mission.TopicFinding}, ChannelFindings},
		{"graph", mission.Event{MissionID: "m-1", Topic: mission.TopicGraphUpdate}, ChannelGraphUpdates},
		{"scope violation", mission.Event{MissionID: "m-1", Topic: mission.TopicScopeViolation}, ChannelNotifications},
		{"budget warning", mission.Event{MissionID: "m-1", Topic: mission.TopicBudgetWarning}, ChannelNotifications},
		{"status", mission.Event{MissionID: "m-1", Topic: mission.TopicStatus}, ChannelScanUpdates},
		{"step begin", mission.Event{MissionID: "m-1", Topic: mission.TopicStepBegin}, ChannelScanUpdates},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ChannelFor(tc.evt))
		})
	}
}

func TestPublish(t *testing.T) {
	conn := newFakeConn()
	evt := mission.NewEvent("m-1", mission.TopicFinding, "", map[string]string{"title": "open redirect"})
	evt.Seq = 4

	require.NoError(t, Publish(context.Background(), conn, evt))

	p := conn.next(t)
	assert.Equal(t, ChannelFindings, p.channel)

	var decoded mission.Event
	require.NoError(t, json.Unmarshal([]byte(p.payload), &decoded))
	assert.Equal(t, "m-1", decoded.MissionID)
	assert.Equal(t, uint64(4), decoded.Seq)
}

func TestPublishError(t *testing.T) {
	conn := newFakeConn()
	conn.err = errors.New("connection refused")

	err := Publish(context.Background(), conn, mission.NewEvent("m-1", mission.TopicStatus, "", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ChannelScanUpdates)
}

func TestOutboundPumpsBusEvents(t *testing.T) {
	bus := events.NewBus(0, nil)
	conn := newFakeConn()
	bridge := NewOutbound(bus, conn, nil)
	bridge.Start(context.Background())
	defer bridge.Close()

	bus.Publish(mission.NewEvent("m-1", mission.TopicAgentThought, "", map[string]string{"thought": "enumerate subdomains"}))

	p := conn.next(t)
	assert.Equal(t, ChannelAgentEvents, p.channel)

	var decoded mission.Event
	require.NoError(t, json.Unmarshal([]byte(p.payload), &decoded))
	assert.Equal(t, uint64(1), decoded.Seq)
}

func TestOutboundIgnoresForwardedEvents(t *testing.T) {
	bus := events.NewBus(0, nil)
	conn := newFakeConn()
	bridge := NewOutbound(bus, conn, nil)
	bridge.Start(context.Background())
	defer bridge.Close()

	remote := mission.NewEvent("m-1", mission.TopicStatus, "", nil)
	remote.Seq = 3
	bus.Forward(remote)

	conn.expectNone(t)
}

func TestDeliverForwardsOntoBus(t *testing.T) {
	bus := events.NewBus(0, nil)
	bridge := New(bus, newFakeConn(), nil)
	sub := bus.Subscribe("m-1")
	defer sub.Close()

	evt := mission.NewEvent("m-1", mission.TopicFinding, "", map[string]string{"severity": "high"})
	evt.Seq = 12
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	bridge.deliver(ChannelFindings, string(data))

	select {
	case got := <-sub.C:
		assert.Equal(t, mission.TopicFinding, got.Topic)
		assert.Equal(t, uint64(12), got.Seq, "remote seq must survive the bridge")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}
}

func TestDeliverFillsMissionFromLogChannel(t *testing.T) {
	bus := events.NewBus(0, nil)
	bridge := New(bus, newFakeConn(), nil)
	sub := bus.Subscribe("m-9")
	defer sub.Close()

	bridge.deliver("job_logs:m-9", `{"topic":"step_complete","kind":"log","payload":{"line":"GET / 200"}}`)

	select {
	case got := <-sub.C:
		assert.Equal(t, "m-9", got.MissionID)
		assert.Equal(t, mission.KindLog, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded log event")
	}
}

func TestDeliverDropsOwnExports(t *testing.T) {
	bus := events.NewBus(0, nil)
	conn := newFakeConn()
	bridge := New(bus, conn, nil)
	bridge.Start(context.Background())
	defer bridge.Close()

	sub := bus.Subscribe("m-1")
	defer sub.Close()

	bus.Publish(mission.NewEvent("m-1", mission.TopicFinding, "", map[string]string{"severity": "high"}))

	select {
	case got := <-sub.C:
		assert.Equal(t, uint64(1), got.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local delivery")
	}

	// Redis broadcasts to every subscriber, the exporting process included.
	// Feeding the exported payload back through the inbound path must not
	// serve the event a second time.
	p := conn.next(t)
	bridge.deliver(p.channel, p.payload)

	select {
	case got := <-sub.C:
		t.Fatalf("event echoed back onto its own bus: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliverForwardsOtherOrigins(t *testing.T) {
	bus := events.NewBus(0, nil)
	bridge := New(bus, newFakeConn(), nil)
	sub := bus.Subscribe("m-1")
	defer sub.Close()

	evt := mission.NewEvent("m-1", mission.TopicStatus, "", nil)
	evt.Seq = 7
	evt.Origin = "another-process"
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	bridge.deliver(ChannelScanUpdates, string(data))

	select {
	case got := <-sub.C:
		assert.Equal(t, uint64(7), got.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}
}

func TestDeliverSkipsUndecodable(t *testing.T) {
	bus := events.NewBus(0, nil)
	bridge := New(bus, newFakeConn(), nil)
	sub := bus.Subscribe("")
	defer sub.Close()

	bridge.deliver(ChannelAgentEvents, `{not json`)

	select {
	case evt := <-sub.C:
		t.Fatalf("garbage forwarded onto the bus: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
