// Package llm defines the chat-model boundary: a provider-neutral
// request/response contract with streaming, plus adapters for the
// Anthropic and OpenAI APIs.
package llm

import (
	"context"
	"encoding/json"

	"github.com/alloybot/alloy/pkg/models"
)

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema document for the tool arguments.
	InputSchema json.RawMessage
}

// Request is one chat completion call.
type Request struct {
	SystemPrompt    string
	Messages        []models.Message
	Tools           []ToolSpec
	Model           string
	Temperature     float64
	MaxOutputTokens int
}

// Response is a completed (non-streaming) model turn.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     models.TokenUsage
}

// Chunk is one streaming event. Exactly one of the fields is set; the
// channel closes after the final chunk.
type Chunk struct {
	// Text is a partial content delta.
	Text string
	// ToolCall is a completed tool call (arguments fully accumulated).
	ToolCall *models.ToolCall
	// Usage arrives once, at the end of the stream.
	Usage *models.TokenUsage
	// Err terminates the stream.
	Err error
}

// Provider is a chat model client. Implementations honor ctx
// cancellation on both entry points.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
