/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownTool is returned when a tool name has no registered schema.
var ErrUnknownTool = errors.New("unknown tool")

// Registry persists one JSON schema file per tool under a directory and
// serves reads from an in-memory map. Writes clone the map and swap it, so
// lookups never wait on disk.
type Registry struct {
	dir string
	log *zap.Logger

	mu   sync.RWMutex
	defs map[string]Schema
}

// Open loads every schema under dir and seeds the builtin tools that are
// not already present. Files that fail to parse or validate are skipped.
func Open(dir string, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tool registry dir: %w", err)
	}
	r := &Registry{dir: dir, log: log, defs: make(map[string]Schema)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tool registry dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("skipping unreadable tool schema", zap.String("file", path), zap.Error(err))
			continue
		}
		var s Schema
		if err := json.Unmarshal(data, &s); err != nil {
			log.Warn("skipping malformed tool schema", zap.String("file", path), zap.Error(err))
			continue
		}
		if err := s.Validate(); err != nil {
			log.Warn("skipping invalid tool schema", zap.String("file", path), zap.Error(err))
			continue
		}
		r.defs[s.Name] = s
	}

	for _, b := range Builtins() {
		if _, ok := r.defs[b.Name]; ok {
			continue
		}
		if err := r.write(b); err != nil {
			return nil, fmt.Errorf("seed builtin %s: %w", b.Name, err)
		}
		r.defs[b.Name] = b
	}
	log.Info("tool registry loaded", zap.String("dir", dir), zap.Int("tools", len(r.defs)))
	return r, nil
}

// Dir returns the backing directory.
func (r *Registry) Dir() string { return r.dir }

// Register validates s, persists it and publishes it to readers.
func (r *Registry) Register(s Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := r.write(s); err != nil {
		return err
	}
	r.mu.Lock()
	defs := maps.Clone(r.defs)
	defs[s.Name] = s
	r.defs = defs
	r.mu.Unlock()
	r.log.Info("tool registered", zap.String("tool", s.Name), zap.String("category", s.Category))
	return nil
}

// Get returns the schema for name.
func (r *Registry) Get(name string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.defs[name]
	return s, ok
}

// List returns all schemas sorted by name.
func (r *Registry) List() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.defs))
	for _, s := range r.defs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name
	}
	return names
}

// Remove deletes a schema from disk and memory.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := os.Remove(r.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove tool schema: %w", err)
	}
	defs := maps.Clone(r.defs)
	delete(defs, name)
	r.defs = defs
	r.log.Info("tool removed", zap.String("tool", name))
	return nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, name+".json")
}

func (r *Registry) write(s Schema) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tool schema: %w", err)
	}
	if err := os.WriteFile(r.path(s.Name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write tool schema: %w", err)
	}
	return nil
}
