/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for sentryd and the
// scan worker.
//
// Workflow and activity spans come from the Temporal OTEL interceptor; the
// helpers here add the layers the interceptor cannot see. LLM spans follow
// the OTel GenAI semantic conventions:
//   - gen_ai.system — the model provider
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens / output_tokens — token counts
//
// Mission-specific attributes use the `sentry.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sentryai.dev/sentry"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs an OTLP gRPC exporter as the global trace
// provider. An empty endpoint leaves the noop provider in place, so call
// sites trace unconditionally. The returned shutdown flushes buffered spans
// and must run on exit.
func InitTraceProvider(ctx context.Context, endpoint, service, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartLLMSpan opens a span for one model call, following GenAI conventions.
func StartLLMSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.String("gen_ai.request.model", model),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndLLMSpan records token usage on the span and closes it.
func EndLLMSpan(span trace.Span, inputTokens, outputTokens int, stopReason string) {
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int("gen_ai.usage.output_tokens", outputTokens),
	)
	if stopReason != "" {
		span.SetAttributes(attribute.String("gen_ai.response.finish_reasons", stopReason))
	}
	span.End()
}

// StartToolSpan opens a span for one sandboxed tool run.
func StartToolSpan(ctx context.Context, tool, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mission.tool_run",
		trace.WithAttributes(
			attribute.String("sentry.tool", tool),
			attribute.String("sentry.target", target),
		),
	)
}

// EndToolSpan records the run outcome and closes the span.
func EndToolSpan(span trace.Span, exitCode int, denied bool, denyReason string) {
	span.SetAttributes(
		attribute.Int("sentry.exit_code", exitCode),
		attribute.Bool("sentry.denied", denied),
	)
	if denied {
		span.SetAttributes(attribute.String("sentry.deny_reason", denyReason))
	}
	span.End()
}

// StartEmbedSpan opens a span for an embeddings call.
func StartEmbedSpan(ctx context.Context, provider string, inputs int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.embeddings",
		trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.Int("sentry.embed_inputs", inputs),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
