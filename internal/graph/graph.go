/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package graph maintains the discovered asset graph: subdomains, URLs,
// ports and endpoints found during missions, linked by how they were
// found. Namespaces keep tenants apart; callers derive them from the
// tenant package and the graph treats them as opaque strings.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Asset is one node. ID is derived from kind and value so re-discovering
// an asset upserts instead of duplicating.
type Asset struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Value     string            `json:"value"`
	Props     map[string]string `json:"props,omitempty"`
	MissionID string            `json:"mission_id,omitempty"`
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
}

// AssetID builds the stable node ID for a kind/value pair.
func AssetID(kind, value string) string {
	return kind + ":" + strings.ToLower(strings.TrimSpace(value))
}

// Edge is a directed relation between two assets.
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// Store is the asset graph contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// UpsertAsset inserts or refreshes a node, returning the stored state.
	UpsertAsset(ctx context.Context, ns string, a Asset) (*Asset, error)
	// Link records a directed edge. Both endpoints must exist.
	Link(ctx context.Context, ns string, e Edge) error
	// Neighborhood returns the assets within depth hops of the given node
	// (following edges in both directions) and the edges among them.
	Neighborhood(ctx context.Context, ns, assetID string, depth int) ([]Asset, []Edge, error)
}

const maxDepth = 3

type namespaceGraph struct {
	assets map[string]Asset
	edges  map[string]Edge
	// adj holds undirected adjacency for traversal.
	adj map[string]map[string]struct{}
}

func newNamespaceGraph() *namespaceGraph {
	return &namespaceGraph{
		assets: make(map[string]Asset),
		edges:  make(map[string]Edge),
		adj:    make(map[string]map[string]struct{}),
	}
}

// Memory is the in-process Store used by default and in tests.
type Memory struct {
	mu  sync.RWMutex
	ns  map[string]*namespaceGraph
	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{ns: make(map[string]*namespaceGraph), now: time.Now}
}

func (m *Memory) graphFor(ns string) *namespaceGraph {
	g, ok := m.ns[ns]
	if !ok {
		g = newNamespaceGraph()
		m.ns[ns] = g
	}
	return g
}

// UpsertAsset implements Store. FirstSeen survives re-discovery; LastSeen,
// mission attribution and props follow the latest sighting.
func (m *Memory) UpsertAsset(_ context.Context, ns string, a Asset) (*Asset, error) {
	if strings.TrimSpace(a.Value) == "" {
		return nil, fmt.Errorf("asset value is required")
	}
	if a.Kind == "" {
		return nil, fmt.Errorf("asset kind is required")
	}
	if a.ID == "" {
		a.ID = AssetID(a.Kind, a.Value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.graphFor(ns)
	now := m.now().UTC()
	existing, ok := g.assets[a.ID]
	if !ok {
		a.FirstSeen = now
		a.LastSeen = now
		g.assets[a.ID] = a
		out := a
		return &out, nil
	}

	existing.LastSeen = now
	if a.MissionID != "" {
		existing.MissionID = a.MissionID
	}
	for k, v := range a.Props {
		if existing.Props == nil {
			existing.Props = make(map[string]string)
		}
		existing.Props[k] = v
	}
	g.assets[a.ID] = existing
	out := existing
	return &out, nil
}

// Link implements Store.
func (m *Memory) Link(_ context.Context, ns string, e Edge) error {
	if e.From == "" || e.To == "" {
		return fmt.Errorf("edge endpoints are required")
	}
	if e.Relation == "" {
		e.Relation = "related_to"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.graphFor(ns)
	if _, ok := g.assets[e.From]; !ok {
		return fmt.Errorf("unknown asset %q", e.From)
	}
	if _, ok := g.assets[e.To]; !ok {
		return fmt.Errorf("unknown asset %q", e.To)
	}

	key := e.From + "|" + e.Relation + "|" + e.To
	g.edges[key] = e
	addAdj(g.adj, e.From, e.To)
	addAdj(g.adj, e.To, e.From)
	return nil
}

func addAdj(adj map[string]map[string]struct{}, from, to string) {
	set, ok := adj[from]
	if !ok {
		set = make(map[string]struct{})
		adj[from] = set
	}
	set[to] = struct{}{}
}

// Neighborhood implements Store with a breadth-first walk. depth < 1
// defaults to 1 and is capped so a dense graph cannot be dumped whole.
func (m *Memory) Neighborhood(_ context.Context, ns, assetID string, depth int) ([]Asset, []Edge, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > maxDepth {
		depth = maxDepth
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.ns[ns]
	if !ok {
		return nil, nil, fmt.Errorf("unknown asset %q", assetID)
	}
	if _, ok := g.assets[assetID]; !ok {
		return nil, nil, fmt.Errorf("unknown asset %q", assetID)
	}

	visited := map[string]struct{}{assetID: {}}
	frontier := []string{assetID}
	for hop := 0; hop < depth; hop++ {
		var next []string
		for _, id := range frontier {
			for nb := range g.adj[id] {
				if _, seen := visited[nb]; seen {
					continue
				}
				visited[nb] = struct{}{}
				next = append(next, nb)
			}
		}
		frontier = next
	}

	assets := make([]Asset, 0, len(visited))
	for id := range visited {
		assets = append(assets, g.assets[id])
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })

	var edges []Edge
	for _, e := range g.edges {
		if _, okFrom := visited[e.From]; !okFrom {
			continue
		}
		if _, okTo := visited[e.To]; !okTo {
			continue
		}
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return assets, edges, nil
}
