// Package llm provides the chat-model client. It speaks the OpenAI chat
// completions API, so any compatible server works, including Ollama via its
// /v1 endpoint. Outbound calls pass through a circuit breaker and an
// optional token-bucket rate limiter.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/PenroseAI/penrose/pkg/resilience"
)

// Message is one role-tagged prompt entry.
type Message struct {
	Role    string
	Content string
}

// Prompt roles understood by Chat. Anything else is sent as a user message.
const (
	RoleSystem    = "system"
	RoleHuman     = "human"
	RoleAssistant = "ai"
)

// Options configures the client.
type Options struct {
	Model   string
	BaseURL string
	APIKey  string
	// Breaker guards the upstream; nil uses DefaultBreakerOpts.
	Breaker *resilience.Breaker
	// Limiter paces outbound calls; nil disables pacing.
	Limiter *resilience.Limiter
}

// Client is a chat completion client. Safe for concurrent use.
type Client struct {
	api     openai.Client
	model   string
	breaker *resilience.Breaker
	limiter *resilience.Limiter
}

// New creates a Client for the configured endpoint.
func New(opts Options) *Client {
	// Retry policy belongs to the caller (the reasoning machine bounds its
	// own attempts), so SDK-level retries are disabled.
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey), option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	return &Client{
		api:     openai.NewClient(reqOpts...),
		model:   opts.Model,
		breaker: breaker,
		limiter: opts.Limiter,
	}
}

// Chat sends the prompt and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, msgs []Message) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("llm: %w", err)
		}
	}

	var reply string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(c.model),
			Messages: toParams(msgs),
		}
		resp, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("no choices returned")
		}
		reply = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("llm: chat: %w", err)
	}
	return reply, nil
}

func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
