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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/mission"
)

func TestReloaderCachesRoutes(t *testing.T) {
	sink := &stubChannel{kind: "webhook"}
	var builds atomic.Int32
	r := NewReloader(func(context.Context) ([]Route, error) {
		builds.Add(1)
		return []Route{{Channel: sink, MinSeverity: mission.SeverityInfo}}, nil
	}, time.Hour, nil, zap.NewNop())

	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))
	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))

	assert.Equal(t, int32(1), builds.Load(), "second finding reuses the cached table")
	assert.Equal(t, 2, sink.delivered())
}

func TestReloaderInvalidateForcesRebuild(t *testing.T) {
	sink := &stubChannel{kind: "webhook"}
	var builds atomic.Int32
	r := NewReloader(func(context.Context) ([]Route, error) {
		builds.Add(1)
		return []Route{{Channel: sink, MinSeverity: mission.SeverityInfo}}, nil
	}, time.Hour, nil, zap.NewNop())

	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))
	r.Invalidate()
	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))

	assert.Equal(t, int32(2), builds.Load())
}

func TestReloaderRebuildsAfterTTL(t *testing.T) {
	var builds atomic.Int32
	r := NewReloader(func(context.Context) ([]Route, error) {
		builds.Add(1)
		return nil, nil
	}, time.Nanosecond, nil, zap.NewNop())

	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))
	time.Sleep(time.Millisecond)
	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))

	assert.Equal(t, int32(2), builds.Load())
}

func TestReloaderKeepsStaleRoutesOnBuildFailure(t *testing.T) {
	sink := &stubChannel{kind: "webhook"}
	var builds atomic.Int32
	r := NewReloader(func(context.Context) ([]Route, error) {
		if builds.Add(1) > 1 {
			return nil, errors.New("store unavailable")
		}
		return []Route{{Channel: sink, MinSeverity: mission.SeverityInfo}}, nil
	}, time.Hour, nil, zap.NewNop())

	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))
	r.Invalidate()
	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))

	assert.Equal(t, 2, sink.delivered(), "stale routes keep delivering when the rebuild fails")
}

func TestReloaderDropsWithoutRoutes(t *testing.T) {
	r := NewReloader(func(context.Context) ([]Route, error) {
		return nil, errors.New("store unavailable")
	}, time.Hour, nil, zap.NewNop())

	// Never errors: alert delivery must not fail the mission.
	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))
}

func TestReloaderSharesLimiterAcrossRebuilds(t *testing.T) {
	sink := &stubChannel{kind: "webhook"}
	r := NewReloader(func(context.Context) ([]Route, error) {
		return []Route{{Channel: sink, MinSeverity: mission.SeverityInfo}}, nil
	}, time.Hour, NewRateLimiter(1, 1), zap.NewNop())

	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))
	r.Invalidate()
	require.NoError(t, r.NotifyFinding(context.Background(), sampleFinding()))

	assert.Equal(t, 1, sink.delivered(), "a rebuild must not refill the mission's bucket")
}
