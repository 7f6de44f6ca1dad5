// Package llm wraps the OpenAI-compatible chat API behind typed task calls:
// same-claim comparison, preprocessing, report review, summarisation,
// translation and needs-checking classification. The agent loop uses the raw
// ChatClient directly for its tool-calling turns.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient abstracts the OpenAI client so tests can substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config selects the models used for each task class.
type Config struct {
	BaseURL      string
	APIKey       string
	AgentModel   string
	UtilityModel string
	VisionModel  string
	CallTimeout  time.Duration
}

// Client provides the typed LLM task calls.
type Client struct {
	chat         ChatClient
	agentModel   string
	utilityModel string
	visionModel  string
	callTimeout  time.Duration
}

// New creates a client against an OpenAI-compatible endpoint.
func New(cfg Config) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		clientCfg.BaseURL = base
	}
	return NewWithChatClient(openai.NewClientWithConfig(clientCfg), cfg)
}

// NewWithChatClient creates a client over an existing ChatClient. Used by
// tests to inject fakes.
func NewWithChatClient(chat ChatClient, cfg Config) *Client {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		chat:         chat,
		agentModel:   cfg.AgentModel,
		utilityModel: cfg.UtilityModel,
		visionModel:  cfg.VisionModel,
		callTimeout:  timeout,
	}
}

// Chat exposes the underlying chat client for the agent loop.
func (c *Client) Chat() ChatClient {
	return c.chat
}

// AgentModel returns the model name used for agent-loop turns.
func (c *Client) AgentModel() string {
	return c.agentModel
}

// completeJSON runs a single chat completion constrained to a strict JSON
// schema and unmarshals the result into out.
func (c *Client) completeJSON(ctx context.Context, model, schemaName string, schema json.RawMessage, messages []openai.ChatCompletionMessage, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName,
				Schema: schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("llm: %s: %w", schemaName, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("llm: %s: empty choices", schemaName)
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(extractJSON(content)), out); err != nil {
		return fmt.Errorf("llm: %s: parse response: %w", schemaName, err)
	}
	return nil
}

// completeText runs a single plain-text chat completion.
func (c *Client) completeText(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("llm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: completion: empty choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// extractJSON strips markdown code fences some models wrap around JSON output.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
