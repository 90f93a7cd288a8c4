/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Local executes tools directly on the host. It is a development fallback:
// Image, MemoryBytes and NanoCPUs are ignored, only the timeout and output
// caps are enforced.
type Local struct {
	log *zap.Logger
}

// NewLocal creates a host-exec runner.
func NewLocal(log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{log: log}
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, SetupFailure(errors.New("sandbox: empty argv"))
	}
	if _, err := exec.LookPath(spec.Argv[0]); err != nil {
		return Result{}, SetupFailure(fmt.Errorf("sandbox: %w", err))
	}

	tctx, cancel := context.WithTimeout(ctx, spec.timeout())
	defer cancel()

	outw := newCapWriter(MaxStreamBytes)
	errw := newCapWriter(MaxStreamBytes)

	c := exec.CommandContext(tctx, spec.Argv[0], spec.Argv[1:]...)
	c.Stdout = outw
	c.Stderr = errw
	if len(spec.Env) > 0 {
		c.Env = append(os.Environ(), spec.Env...)
	}

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   outw.String(),
		Stderr:   errw.String(),
		Duration: time.Since(start),
		TimedOut: tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil,
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		switch {
		case ok:
			res.ExitCode = exitErr.ExitCode()
		case res.TimedOut:
			res.ExitCode = -1
		default:
			return Result{}, fmt.Errorf("sandbox: %w", err)
		}
	}

	l.log.Info("command executed",
		zap.String("command", spec.Argv[0]),
		zap.Int("exit_code", res.ExitCode),
		zap.Int64("duration_ms", res.Duration.Milliseconds()),
	)
	return res, nil
}
