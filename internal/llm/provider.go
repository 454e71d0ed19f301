package llm

import (
	"context"

	"github.com/abdul-hamid-achik/counselor/internal/config"
)

// Message represents a conversation message
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// ToolCall represents a tool call emitted by a model
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool the model may call
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any // JSON Schema object
}

// Request is one generation request, independent of vendor.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
	// JSONMode asks vendors that support it for a JSON object reply.
	JSONMode bool
}

// RawOutput is a vendor response normalized to text plus native tool calls.
// It has not been validated yet.
type RawOutput struct {
	Vendor     config.Vendor
	Model      string
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// StreamChunk represents a chunk of streamed response
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *ToolCall
	Error    error
}

// Provider is the capability set every vendor adapter implements.
type Provider interface {
	Vendor() config.Vendor
	Generate(ctx context.Context, req Request) (*RawOutput, error)
	GenerateStream(ctx context.Context, req Request) <-chan StreamChunk
	SupportsTools() bool
}

// errorStream returns a closed channel carrying a single error chunk.
func errorStream(err error) <-chan StreamChunk {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Type: "error", Error: err}
	close(ch)
	return ch
}
