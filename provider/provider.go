// Package provider abstracts the LLM backends used by both loops: the
// primary model serving runtime turns and the stronger oracle model the
// diagnostic comparator replays failures on.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"
)

// Client names an LLM backend.
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Message is one turn of a generation conversation.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolSpec declares a tool the model may call.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolInvocation is a tool call requested by the model.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// GenerateRequest asks a model for the next step of a conversation.
type GenerateRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// GenerateResult is the model's reply: content, tool calls, or both.
type GenerateResult struct {
	Content   string
	ToolCalls []ToolInvocation
}

// Provider is implemented by every LLM backend.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// New creates a provider from the environment.
func New(client Client, timeout time.Duration) (Provider, error) {
	switch client {
	case OpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		return NewOpenAIClient(apiKey, 0.2, 4096, timeout), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
