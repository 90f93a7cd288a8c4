/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/mission"
)

// defaultReloadTTL bounds how stale the route table may get. Integrations
// change rarely; a minute keeps API edits visible without hitting the store
// on every finding.
const defaultReloadTTL = time.Minute

// Reloader keeps the Router's route table synchronized with stored
// integrations. The build function is called at most once per TTL window;
// between rebuilds every finding uses the cached table. The rate limiter is
// shared across rebuilds so a refresh never resets a mission's budget.
type Reloader struct {
	build   func(ctx context.Context) ([]Route, error)
	ttl     time.Duration
	limiter *RateLimiter
	log     *zap.Logger

	mu      sync.Mutex
	router  *Router
	expires time.Time
}

// NewReloader wires a route source to the router. A zero ttl selects the
// default; a nil limiter disables per-mission throttling.
func NewReloader(build func(ctx context.Context) ([]Route, error), ttl time.Duration, limiter *RateLimiter, log *zap.Logger) *Reloader {
	if ttl <= 0 {
		ttl = defaultReloadTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reloader{build: build, ttl: ttl, limiter: limiter, log: log}
}

// NotifyFinding routes one finding through the current route table. A
// failed rebuild falls back to the previous table; with no table at all the
// finding is dropped with a warning. Alert delivery never fails the mission
// that produced the finding.
func (r *Reloader) NotifyFinding(ctx context.Context, f mission.Finding) error {
	router := r.current(ctx)
	if router == nil {
		r.log.Warn("no notification routes available, dropping alert",
			zap.String("mission_id", f.MissionID),
			zap.String("finding_id", f.ID))
		return nil
	}
	return router.NotifyFinding(ctx, f)
}

// Invalidate forces the next finding to rebuild the route table, so API
// writes can take effect before the TTL lapses.
func (r *Reloader) Invalidate() {
	r.mu.Lock()
	r.expires = time.Time{}
	r.mu.Unlock()
}

func (r *Reloader) current(ctx context.Context) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.router != nil && now.Before(r.expires) {
		return r.router
	}

	routes, err := r.build(ctx)
	if err != nil {
		r.log.Warn("rebuilding notification routes failed", zap.Error(err))
		// Stale routes beat no routes.
		return r.router
	}
	r.router = NewRouter(routes, r.limiter, r.log)
	r.expires = now.Add(r.ttl)
	r.log.Debug("notification routes rebuilt", zap.Int("routes", len(routes)))
	return r.router
}
