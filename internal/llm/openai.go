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

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/codes"

	"github.com/sentryai/sentry/internal/telemetry"
)

// ChatClient is the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// EmbeddingClient is the subset of the go-openai client used for embeddings.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (
		openai.EmbeddingResponse, error)
}

const embeddingModel = openai.SmallEmbedding3

// OpenAI implements Client via the Chat Completions API. With a custom base
// URL it also fronts OpenAI-compatible servers. It is the only provider that
// implements Embedder.
type OpenAI struct {
	chat      ChatClient
	embed     EmbeddingClient
	model     string
	maxTokens int
}

// NewOpenAI builds an OpenAI-backed client from cfg.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("llm: openai api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	client := openai.NewClientWithConfig(oc)
	c, err := newOpenAI(client, cfg)
	if err != nil {
		return nil, err
	}
	c.embed = client
	return c, nil
}

func newOpenAI(chat ChatClient, cfg Config) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("llm: openai chat client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: openai default model is required")
	}
	maxTok := cfg.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &OpenAI{chat: chat, model: cfg.Model, maxTokens: maxTok}, nil
}

// Complete issues a single chat completion.
func (c *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
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
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	request := openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: maxTok,
	}
	if req.Temperature > 0 {
		request.Temperature = float32(req.Temperature)
	}

	ctx, span := telemetry.StartLLMSpan(ctx, "openai", modelID)
	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		span.End()
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return Response{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "empty response")
		span.End()
		return Response{}, errors.New("openai: response contained no choices")
	}
	telemetry.EndLLMSpan(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
		string(resp.Choices[0].FinishReason))
	return Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        modelID,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StopReason:   string(resp.Choices[0].FinishReason),
	}, nil
}

// Embed converts texts to vectors. Vectors are returned in input order
// regardless of how the API orders its response.
func (c *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("llm: no texts to embed")
	}
	if c.embed == nil {
		return nil, errors.New("llm: embeddings client is not configured")
	}
	ctx, span := telemetry.StartEmbedSpan(ctx, "openai", len(texts))
	defer span.End()
	resp, err := c.embed.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: embeddingModel,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embeddings failed")
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
