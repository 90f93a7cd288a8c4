/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/codes"

	"github.com/sentryai/sentry/internal/telemetry"
)

// MessagesClient is the subset of the Anthropic SDK used here. Narrowed so
// tests can substitute a stub for the real transport.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic implements Client via the Anthropic Messages API.
type Anthropic struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// NewAnthropic builds an Anthropic-backed client from cfg.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return newAnthropic(&ac.Messages, cfg)
}

func newAnthropic(msg MessagesClient, cfg Config) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("llm: anthropic messages client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: anthropic default model is required")
	}
	maxTok := cfg.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Anthropic{msg: msg, model: cfg.Model, maxTokens: maxTok}, nil
}

// Complete issues a single Messages.New call.
func (c *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, errors.New("llm: prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTok),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	ctx, span := telemetry.StartLLMSpan(ctx, "anthropic", modelID)
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		span.End()
		if isThrottled(err) {
			return Response{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	telemetry.EndLLMSpan(span, int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens), string(msg.StopReason))

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Response{
		Text:         text.String(),
		Model:        modelID,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}, nil
}

// isThrottled reports whether err is an Anthropic 429 or 529 (overloaded).
func isThrottled(err error) bool {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return false
	}
	return apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode == 529
}
