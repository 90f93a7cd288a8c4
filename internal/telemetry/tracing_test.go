/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "sentryd", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartLLMSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartLLMSpan(context.Background(), "anthropic", "claude-sonnet-4-5")
	EndLLMSpan(span, 1000, 500, "end_turn")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "gen_ai.chat" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "gen_ai.chat")
	}

	attrs := spans[0].Attributes
	foundModel := false
	foundSystem := false
	foundInputTokens := false
	foundStop := false
	for _, a := range attrs {
		if string(a.Key) == "gen_ai.request.model" && a.Value.AsString() == "claude-sonnet-4-5" {
			foundModel = true
		}
		if string(a.Key) == "gen_ai.system" && a.Value.AsString() == "anthropic" {
			foundSystem = true
		}
		if string(a.Key) == "gen_ai.usage.input_tokens" && a.Value.AsInt64() == 1000 {
			foundInputTokens = true
		}
		if string(a.Key) == "gen_ai.response.finish_reasons" && a.Value.AsString() == "end_turn" {
			foundStop = true
		}
	}
	if !foundModel {
		t.Error("missing gen_ai.request.model")
	}
	if !foundSystem {
		t.Error("missing gen_ai.system")
	}
	if !foundInputTokens {
		t.Error("missing gen_ai.usage.input_tokens")
	}
	if !foundStop {
		t.Error("missing gen_ai.response.finish_reasons")
	}
}

func TestStartToolSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartToolSpan(context.Background(), "nuclei", "https://example.com")
	EndToolSpan(span, 0, false, "")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "mission.tool_run" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "mission.tool_run")
	}
}

func TestToolSpanDenied(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartToolSpan(context.Background(), "naabu", "10.0.0.8")
	EndToolSpan(span, -1, true, "target out of scope")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}

	attrs := spans[0].Attributes
	foundDenied := false
	foundReason := false
	for _, a := range attrs {
		if string(a.Key) == "sentry.denied" && a.Value.AsBool() {
			foundDenied = true
		}
		if string(a.Key) == "sentry.deny_reason" && a.Value.AsString() == "target out of scope" {
			foundReason = true
		}
	}
	if !foundDenied {
		t.Error("missing sentry.denied attribute")
	}
	if !foundReason {
		t.Error("missing sentry.deny_reason attribute")
	}
}

func TestNestedSpans(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, toolSpan := StartToolSpan(ctx, "httpx", "https://example.com")
	_, llmSpan := StartLLMSpan(ctx, "openai", "gpt-4o")
	llmSpan.End()
	toolSpan.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	llmStub := spans[0] // inner span ends first
	toolStub := spans[1]

	if llmStub.Parent.TraceID() != toolStub.SpanContext.TraceID() {
		t.Error("llm span should share trace ID with tool span")
	}
	if !llmStub.Parent.SpanID().IsValid() {
		t.Error("llm span should have a valid parent span ID")
	}
}
