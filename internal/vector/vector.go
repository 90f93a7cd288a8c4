/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package vector provides namespaced nearest-neighbor search over embedded
// text. Finding descriptions are indexed per tenant so near-duplicate
// findings surface during triage.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Match is one search hit. Score is cosine similarity in [-1, 1].
type Match struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Index stores embeddings per namespace. Implementations must be safe for
// concurrent use.
type Index interface {
	Upsert(ctx context.Context, ns, id, text string, vec []float32) error
	Search(ctx context.Context, ns string, vec []float32, k int) ([]Match, error)
}

const defaultK = 10

type entry struct {
	id   string
	text string
	vec  []float32
	norm float64
}

// Memory is the in-process Index used by default and in tests.
type Memory struct {
	mu sync.RWMutex
	ns map[string]map[string]entry
}

func NewMemory() *Memory {
	return &Memory{ns: make(map[string]map[string]entry)}
}

// Upsert implements Index. Re-upserting an ID replaces its vector and text.
func (m *Memory) Upsert(_ context.Context, ns, id, text string, vec []float32) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is required")
	}
	if len(vec) == 0 {
		return fmt.Errorf("vector is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.ns[ns]
	if !ok {
		bucket = make(map[string]entry)
		m.ns[ns] = bucket
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	bucket[id] = entry{id: id, text: text, vec: stored, norm: norm(stored)}
	return nil
}

// Search implements Index. Entries whose dimension does not match the
// query are skipped; k < 1 selects a default.
func (m *Memory) Search(_ context.Context, ns string, vec []float32, k int) ([]Match, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if k < 1 {
		k = defaultK
	}
	qnorm := norm(vec)
	if qnorm == 0 {
		return nil, fmt.Errorf("query vector is zero")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.ns[ns]
	matches := make([]Match, 0, len(bucket))
	for _, e := range bucket {
		if len(e.vec) != len(vec) || e.norm == 0 {
			continue
		}
		matches = append(matches, Match{
			ID:    e.id,
			Text:  e.text,
			Score: dot(e.vec, vec) / (e.norm * qnorm),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
