package providers

import (
	"context"
	"fmt"
)

// Message is one turn in the wire conversation sent to a provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDef declares a callable tool to the model. Parameters is a JSON-schema
// object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature float64
}

// ChatResponse holds one model turn: either final text, or one or more tool
// calls the caller must execute and feed back.
type ChatResponse struct {
	Text      string
	ToolCalls []ToolCall
}

type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// StatusError preserves the upstream HTTP status and body so callers can
// classify provider rejections (e.g. tools-unsupported) as values.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
}
