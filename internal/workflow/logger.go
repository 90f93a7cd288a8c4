/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package workflow

import (
	sdklog "go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// zapAdapter bridges the Temporal SDK's keyval logger onto zap so client
// and worker internals log through the same sink as everything else.
type zapAdapter struct {
	s *zap.SugaredLogger
}

// NewZapAdapter wraps log for use as the Temporal client logger.
func NewZapAdapter(log *zap.Logger) sdklog.Logger {
	return &zapAdapter{s: log.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *zapAdapter) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l *zapAdapter) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l *zapAdapter) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l *zapAdapter) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }
