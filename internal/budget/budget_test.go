/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package budget

import (
	"strings"
	"testing"
	"time"
)

// fakeClock hands out a controllable time for deterministic tests.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCanProceedFreshEnforcer(t *testing.T) {
	e := New("m-1", DefaultLimits(), newFakeClock().now)
	if check := e.CanProceed(); !check.OK {
		t.Fatalf("fresh enforcer refused: %+v", check)
	}
}

func TestStepLimit(t *testing.T) {
	clk := newFakeClock()
	e := New("m-1", Limits{MaxSteps: 2}, clk.now)
	e.RecordAction("nuclei", "a.example.com", nil, 0)
	if check := e.CanProceed(); !check.OK {
		t.Fatalf("refused after 1/2 steps: %+v", check)
	}
	e.RecordAction("nuclei", "b.example.com", nil, 0)
	check := e.CanProceed()
	if check.OK || check.Code != ReasonStepsExhausted {
		t.Fatalf("expected STEPS_EXHAUSTED, got %+v", check)
	}
}

func TestCostLimit(t *testing.T) {
	clk := newFakeClock()
	e := New("m-1", Limits{MaxCostUSD: 1.0}, clk.now)
	e.AddCost(0.5)
	if check := e.CanProceed(); !check.OK {
		t.Fatalf("refused under budget: %+v", check)
	}
	e.AddCost(0.6)
	check := e.CanProceed()
	if check.OK || check.Code != ReasonCostExhausted {
		t.Fatalf("expected COST_EXHAUSTED, got %+v", check)
	}
}

func TestRuntimeAndIdleLimits(t *testing.T) {
	clk := newFakeClock()
	e := New("m-1", Limits{MaxRuntime: 10 * time.Minute, MaxIdle: 2 * time.Minute}, clk.now)

	clk.advance(90 * time.Second)
	if check := e.CanProceed(); !check.OK {
		t.Fatalf("refused inside limits: %+v", check)
	}

	// No action since construction, so idle trips first.
	clk.advance(90 * time.Second)
	if check := e.CanProceed(); check.OK || check.Code != ReasonIdleTimeout {
		t.Fatalf("expected IDLE_TIMEOUT, got %+v", check)
	}

	// An action resets the idle clock; the runtime cap still applies and is
	// checked before idle.
	e.RecordAction("subfinder", "example.com", nil, 0)
	clk.advance(8 * time.Minute)
	if check := e.CanProceed(); check.OK || check.Code != ReasonRuntimeExceeded {
		t.Fatalf("expected RUNTIME_EXCEEDED, got %+v", check)
	}
}

func TestTouchResetsIdleTimer(t *testing.T) {
	clk := newFakeClock()
	e := New("m-1", Limits{MaxIdle: 2 * time.Minute}, clk.now)

	// A human taking three minutes to approve is not an idle agent.
	clk.advance(3 * time.Minute)
	e.Touch()
	if check := e.CanProceed(); !check.OK {
		t.Fatalf("touch did not reset idle timer: %+v", check)
	}

	clk.advance(3 * time.Minute)
	if check := e.CanProceed(); check.OK || check.Code != ReasonIdleTimeout {
		t.Fatalf("expected IDLE_TIMEOUT after quiet period, got %+v", check)
	}
}

func TestKillAndPause(t *testing.T) {
	clk := newFakeClock()
	e := New("m-1", DefaultLimits(), clk.now)

	e.Pause()
	if check := e.CanProceed(); check.OK || check.Code != ReasonPaused {
		t.Fatalf("expected PAUSED, got %+v", check)
	}
	e.Resume()
	if check := e.CanProceed(); !check.OK {
		t.Fatalf("resume did not lift pause: %+v", check)
	}

	e.Kill("operator request")
	check := e.CanProceed()
	if check.OK || check.Code != ReasonKilled {
		t.Fatalf("expected KILLED, got %+v", check)
	}
	if !strings.Contains(check.Reason, "operator request") {
		t.Fatalf("kill reason missing: %q", check.Reason)
	}
}

func TestConsecutiveErrors(t *testing.T) {
	clk := newFakeClock()
	e := New("m-1", Limits{MaxConsecutiveErrors: 3}, clk.now)
	for i := 0; i < 3; i++ {
		e.RecordError("tool_error", "connection refused")
	}
	if check := e.CanProceed(); check.OK || check.Code != ReasonErrorsExceeded {
		t.Fatalf("expected ERRORS_EXCEEDED, got %+v", check)
	}
	// A successful action forgives the streak.
	e.RecordAction("httpx", "a.example.com", nil, 0)
	if check := e.CanProceed(); !check.OK {
		t.Fatalf("success did not reset errors: %+v", check)
	}
}

func TestRetryGovernor(t *testing.T) {
	e := New("m-1", Limits{MaxRetriesPerTarget: 3}, newFakeClock().now)
	for i := 0; i < 3; i++ {
		if !e.RecordRetry("Foo.Example.com/") {
			t.Fatalf("retry %d refused early", i+1)
		}
	}
	if e.RecordRetry("foo.example.com") {
		t.Fatal("fourth retry should be refused")
	}
	if !e.RecordRetry("other.example.com") {
		t.Fatal("independent target should have its own quota")
	}
}

func TestSignatureDropsVolatileKeys(t *testing.T) {
	a := Signature("nuclei", "foo.com", map[string]any{"tags": "xss", "timestamp": "t1", "request_id": "r1"})
	b := Signature("nuclei", "foo.com", map[string]any{"tags": "xss", "timestamp": "t2", "session_id": "s9"})
	if a != b {
		t.Fatalf("volatile keys should not affect signature: %s != %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("signature length = %d, want 16", len(a))
	}
	c := Signature("nuclei", "foo.com", map[string]any{"tags": "sqli"})
	if a == c {
		t.Fatal("different params should change signature")
	}
}

func TestLoopDetection(t *testing.T) {
	clk := newFakeClock()
	e := New("m-1", Limits{MaxSteps: 100, LoopWindow: 10, LoopThreshold: 0.8}, clk.now)

	params := map[string]any{"tags": []string{"xss"}}
	var warned bool
	// Two distinct actions first, then eight identical ones: the window of
	// ten holds 8/10 identical signatures, exactly at the threshold.
	e.RecordAction("subfinder", "foo.com", nil, 0)
	e.RecordAction("httpx", "foo.com", nil, 0)
	for i := 0; i < 8; i++ {
		for _, w := range e.RecordAction("nuclei", "foo.com", params, 0) {
			if w.Code == WarnLoopDetected {
				warned = true
			}
		}
	}
	if !warned {
		t.Fatal("8 identical actions in a window of 10 should flag a loop")
	}
}

func TestLoopPausesWhenConfigured(t *testing.T) {
	clk := newFakeClock()
	e := New("m-1", Limits{MaxSteps: 100, LoopWindow: 4, LoopThreshold: 0.8, PauseOnWarning: true}, clk.now)
	for i := 0; i < 4; i++ {
		e.RecordAction("nuclei", "foo.com", nil, 0)
	}
	if !e.Paused() {
		t.Fatal("loop with PauseOnWarning should pause the mission")
	}
}

func TestSnapshotGauges(t *testing.T) {
	clk := newFakeClock()
	e := New("m-7", Limits{MaxSteps: 10, MaxCostUSD: 2.0, MaxRuntime: time.Hour}, clk.now)
	e.RecordAction("subfinder", "example.com", nil, 0.5)
	clk.advance(6 * time.Minute)

	snap := e.Snapshot()
	if snap.MissionID != "m-7" || !snap.Active {
		t.Fatalf("bad snapshot identity: %+v", snap)
	}
	if snap.Steps.Used != 1 || snap.Steps.Limit != 10 || snap.Steps.Percent != 10 {
		t.Fatalf("bad steps gauge: %+v", snap.Steps)
	}
	if snap.Cost.Used != 0.5 || snap.Cost.Percent != 25 {
		t.Fatalf("bad cost gauge: %+v", snap.Cost)
	}
	if snap.RuntimeMinutes.Percent != 10 {
		t.Fatalf("bad runtime gauge: %+v", snap.RuntimeMinutes)
	}
}
