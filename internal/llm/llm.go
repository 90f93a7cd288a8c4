/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package llm abstracts the completion providers used by the agent loop.
// Providers translate a single system+user exchange into one completion;
// conversation state is carried in the prompt by the caller, not here.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrRateLimited marks provider errors caused by request throttling so
// callers can back off instead of burning their retry budget.
var ErrRateLimited = errors.New("llm: rate limited")

// Request is a single completion request.
type Request struct {
	// System is the system prompt. Empty means provider default behavior.
	System string
	// Prompt is the user turn.
	Prompt string
	// Model overrides the client default when non-empty.
	Model string
	// MaxTokens caps the completion length. Zero means the client default.
	MaxTokens int
	// Temperature is passed through when positive.
	Temperature float64
}

// Response is the provider-agnostic completion result.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Client produces completions. Implementations must be safe for concurrent
// use.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Embedder turns text into vectors. Providers that cannot embed simply do
// not implement it; callers feature-detect with a type assertion.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config selects and configures a provider.
type Config struct {
	// Provider is "anthropic" or "openai".
	Provider string
	APIKey   string
	// Model is the default model identifier.
	Model string
	// BaseURL points OpenAI-compatible requests at a different endpoint
	// (Ollama, vLLM, a proxy). Ignored by the Anthropic provider.
	BaseURL string
	// MaxTokens is the default completion cap. Zero selects 8192.
	MaxTokens int
}

const defaultMaxTokens = 8192

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
