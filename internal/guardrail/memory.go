/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentryai/sentry/internal/mission"
)

const (
	// historyWindow is how many past steps are assembled into the prompt.
	historyWindow = 5
	// historyDepth is how many steps are retained per mission.
	historyDepth = 20
	historyTTL   = 24 * time.Hour
)

// Entry is one remembered agent step.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Summary   string    `json:"result_summary"`
}

// EntryForStep condenses a validated step into its memory form.
func EntryForStep(step *mission.AgentStep, now time.Time) Entry {
	action := "complete"
	if step.ToolCall != nil {
		action = step.ToolCall.Tool
	}
	summary := step.Thought
	if len(summary) > 200 {
		summary = summary[:200]
	}
	return Entry{
		Timestamp: now,
		Action:    action,
		Status:    step.StatusUpdate,
		Summary:   summary,
	}
}

// Memory carries per-mission step history between agent turns.
type Memory interface {
	Append(ctx context.Context, missionID string, e Entry) error
	Recent(ctx context.Context, missionID string, n int) ([]Entry, error)
}

func historyKey(missionID string) string {
	return "mission:" + missionID + ":history"
}

// redisList is the slice of the Redis client the memory needs.
type redisList interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisMemory keeps history in a Redis list per mission, trimmed to
// historyDepth entries and expiring after historyTTL.
type RedisMemory struct {
	rdb redisList
}

// NewRedisMemory wraps an existing Redis client.
func NewRedisMemory(rdb redisList) *RedisMemory {
	return &RedisMemory{rdb: rdb}
}

// Append implements Memory.
func (m *RedisMemory) Append(ctx context.Context, missionID string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("memory encode: %w", err)
	}
	key := historyKey(missionID)
	if err := m.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("memory append: %w", err)
	}
	if err := m.rdb.LTrim(ctx, key, -historyDepth, -1).Err(); err != nil {
		return fmt.Errorf("memory trim: %w", err)
	}
	if err := m.rdb.Expire(ctx, key, historyTTL).Err(); err != nil {
		return fmt.Errorf("memory expire: %w", err)
	}
	return nil
}

// Recent implements Memory. Entries that no longer decode are skipped.
func (m *RedisMemory) Recent(ctx context.Context, missionID string, n int) ([]Entry, error) {
	vals, err := m.rdb.LRange(ctx, historyKey(missionID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("memory read: %w", err)
	}
	entries := make([]Entry, 0, len(vals))
	for _, v := range vals {
		var e Entry
		if json.Unmarshal([]byte(v), &e) == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// RingMemory is the in-process fallback used when Redis is not configured.
type RingMemory struct {
	mu sync.Mutex
	m  map[string][]Entry
}

// NewRingMemory creates an empty in-process memory.
func NewRingMemory() *RingMemory {
	return &RingMemory{m: make(map[string][]Entry)}
}

// Append implements Memory.
func (r *RingMemory) Append(_ context.Context, missionID string, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append(r.m[missionID], e)
	if len(entries) > historyDepth {
		entries = entries[len(entries)-historyDepth:]
	}
	r.m[missionID] = entries
	return nil
}

// Recent implements Memory.
func (r *RingMemory) Recent(_ context.Context, missionID string, n int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.m[missionID]
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}
