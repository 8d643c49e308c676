// Package llm wraps chat completion behind a small interface so the
// pipeline can be exercised with a fake in tests.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultTimeout = 120 * time.Second

// Request is one chat completion call. Messages already include the system
// prompt; Tools may be empty.
type Request struct {
	Messages []openai.ChatCompletionMessage
	Tools    []openai.Tool
}

type Client interface {
	Complete(ctx context.Context, req Request) (openai.ChatCompletionMessage, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAI(cfg Config) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: timeout,
	}
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (openai.ChatCompletionMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: req.Messages,
		Tools:    req.Tools,
	})
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, errors.New("chat completion returned no choices")
	}

	return resp.Choices[0].Message, nil
}

// Func adapts a plain function to the Client interface for tests.
type Func func(ctx context.Context, req Request) (openai.ChatCompletionMessage, error)

func (f Func) Complete(ctx context.Context, req Request) (openai.ChatCompletionMessage, error) {
	return f(ctx, req)
}
