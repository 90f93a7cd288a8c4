/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package sandbox executes scanner binaries in isolation. The Docker runner
// creates one ephemeral container per invocation; the Local runner is a
// development fallback that executes on the host.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Spec describes one tool invocation.
type Spec struct {
	// Image is the container image (ignored by the Local runner).
	Image string
	// Argv is the full command, binary first.
	Argv []string
	// Env entries in KEY=VALUE form.
	Env []string
	// Timeout bounds the run. Zero means DefaultTimeout.
	Timeout time.Duration
	// Namespace labels the container with the owning tenant/mission.
	Namespace string
	// MemoryBytes caps container memory (0 = runner default).
	MemoryBytes int64
	// NanoCPUs caps container CPU in units of 1e-9 CPUs (0 = default).
	NanoCPUs int64
}

// Result is the outcome of one run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runner executes a Spec to completion.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// DefaultTimeout applies when the Spec does not set one.
const DefaultTimeout = 5 * time.Minute

// MaxStreamBytes caps captured stdout and stderr per stream.
const MaxStreamBytes = 1 << 20

// Default resource caps for containers.
const (
	DefaultMemoryBytes = 2 << 30        // 2 GiB
	DefaultNanoCPUs    = 2 * 1_000_000_000 // 2 CPUs
)

// DefaultImages maps builtin tools to their upstream images.
var DefaultImages = map[string]string{
	"subfinder": "projectdiscovery/subfinder:latest",
	"naabu":     "projectdiscovery/naabu:latest",
	"nuclei":    "projectdiscovery/nuclei:latest",
	"httpx":     "projectdiscovery/httpx:latest",
	"katana":    "projectdiscovery/katana:latest",
}

// ImageFor resolves the container image for a tool.
func ImageFor(tool string) (string, bool) {
	img, ok := DefaultImages[tool]
	return img, ok
}

// setupError marks a failure that happened before the tool process started:
// a missing image, an unresolvable reference, container creation. Retrying
// such a run reproduces the same failure.
type setupError struct{ err error }

func (e *setupError) Error() string { return e.err.Error() }
func (e *setupError) Unwrap() error { return e.err }

// SetupFailure marks err as a setup failure. Runner implementations use it
// for errors a retry cannot fix.
func SetupFailure(err error) error { return &setupError{err: err} }

// IsSetupFailure reports whether err occurred before the tool started.
// Callers treat these as terminal rather than transient.
func IsSetupFailure(err error) bool {
	var se *setupError
	return errors.As(err, &se)
}

// retryablePatterns mark transient failures worth re-running. Matched
// case-insensitively against stderr.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"temporary failure",
	"i/o timeout",
	"tls handshake",
	"too many requests",
}

// IsRetryable reports whether a completed run looks transient: it timed
// out or its stderr matches a known transient failure pattern.
func IsRetryable(res Result) bool {
	if res.TimedOut {
		return true
	}
	if res.ExitCode == 0 {
		return false
	}
	stderr := strings.ToLower(res.Stderr)
	for _, p := range retryablePatterns {
		if strings.Contains(stderr, p) {
			return true
		}
	}
	return false
}

// capWriter keeps at most max bytes and discards the rest.
type capWriter struct {
	buf       []byte
	max       int
	truncated bool
}

func newCapWriter(max int) *capWriter {
	return &capWriter{max: max}
}

func (w *capWriter) Write(p []byte) (int, error) {
	if room := w.max - len(w.buf); room > 0 {
		if len(p) > room {
			w.buf = append(w.buf, p[:room]...)
			w.truncated = true
		} else {
			w.buf = append(w.buf, p...)
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

func (w *capWriter) String() string { return string(w.buf) }

func (s Spec) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}
