/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package events provides the in-process pub/sub fabric for mission events.
// The websocket hub, SSE handlers and the Redis bridge are all subscribers.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/mission"
)

// DefaultQueueDepth is the per-subscriber buffer. A subscriber that falls
// this far behind is evicted rather than slowing producers down.
const DefaultQueueDepth = 256

// Subscriber is one registered event consumer. C is closed on eviction or
// Close; consumers must tolerate early closure.
type Subscriber struct {
	ID string
	C  <-chan mission.Event

	bus       *Bus
	ch        chan mission.Event
	mission   string
	topics    map[mission.Topic]struct{}
	localOnly bool
}

// Close unregisters the subscriber and closes C. Safe to call twice.
func (s *Subscriber) Close() {
	s.bus.remove(s.ID)
}

func (s *Subscriber) wants(evt mission.Event) bool {
	if s.mission != "" && s.mission != evt.MissionID {
		return false
	}
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[evt.Topic]
	return ok
}

type seqKey struct {
	mission string
	topic   mission.Topic
}

// Bus fans mission events out to subscribers. Publish never blocks: each
// subscriber has a bounded queue and is evicted when it overflows.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber

	seqMu sync.Mutex
	seq   map[seqKey]uint64

	depth  int
	nextID atomic.Uint64
	log    *zap.Logger
}

// NewBus creates a bus. depth < 1 selects DefaultQueueDepth.
func NewBus(depth int, log *zap.Logger) *Bus {
	if depth < 1 {
		depth = DefaultQueueDepth
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs:  make(map[string]*Subscriber),
		seq:   make(map[seqKey]uint64),
		depth: depth,
		log:   log,
	}
}

// Subscribe registers a consumer. An empty missionID matches every mission;
// no topics matches every topic.
func (b *Bus) Subscribe(missionID string, topics ...mission.Topic) *Subscriber {
	return b.subscribe(missionID, false, topics)
}

// SubscribeLocal is Subscribe restricted to events published by this
// process. The Redis bridge uses it so forwarded events do not echo back
// out over the wire.
func (b *Bus) SubscribeLocal(missionID string, topics ...mission.Topic) *Subscriber {
	return b.subscribe(missionID, true, topics)
}

func (b *Bus) subscribe(missionID string, localOnly bool, topics []mission.Topic) *Subscriber {
	ch := make(chan mission.Event, b.depth)
	s := &Subscriber{
		ID:        fmt.Sprintf("sub-%d", b.nextID.Add(1)),
		C:         ch,
		bus:       b,
		ch:        ch,
		mission:   missionID,
		localOnly: localOnly,
	}
	if len(topics) > 0 {
		s.topics = make(map[mission.Topic]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()
	return s
}

// Publish stamps the event with a timestamp and a per-(mission, topic)
// sequence number, then delivers it to matching subscribers. The stamped
// event is returned.
func (b *Bus) Publish(evt mission.Event) mission.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	key := seqKey{mission: evt.MissionID, topic: evt.Topic}
	b.seqMu.Lock()
	b.seq[key]++
	evt.Seq = b.seq[key]
	b.seqMu.Unlock()

	b.deliver(evt, true)
	return evt
}

// Forward delivers an event stamped by another process, keeping its Seq and
// timestamp. The local counter advances past the forwarded Seq so later
// local publishes stay monotone on the merged stream.
func (b *Bus) Forward(evt mission.Event) {
	key := seqKey{mission: evt.MissionID, topic: evt.Topic}
	b.seqMu.Lock()
	if evt.Seq > b.seq[key] {
		b.seq[key] = evt.Seq
	}
	b.seqMu.Unlock()

	b.deliver(evt, false)
}

func (b *Bus) deliver(evt mission.Event, local bool) {
	var evicted []*Subscriber
	b.mu.RLock()
	for _, s := range b.subs {
		if s.localOnly && !local {
			continue
		}
		if !s.wants(evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			evicted = append(evicted, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range evicted {
		if b.remove(s.ID) {
			b.log.Warn("subscriber evicted, queue overflow",
				zap.String("subscriber", s.ID),
				zap.String("mission_id", evt.MissionID),
				zap.Int("queue_depth", b.depth),
			)
		}
	}
}

// remove deletes a subscriber and closes its channel once.
func (b *Bus) remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	close(s.ch)
	return true
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// LastSeq reports the most recent sequence number stamped for a
// (mission, topic) pair, zero if none stamped yet.
func (b *Bus) LastSeq(missionID string, topic mission.Topic) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	return b.seq[seqKey{mission: missionID, topic: topic}]
}
