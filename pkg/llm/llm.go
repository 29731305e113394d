// Package llm is the chat-completion client driving the agent loop.
// It speaks the OpenAI-compatible wire protocol, which covers the
// hosted providers and local gateways we deploy against.
package llm

import (
	"context"
	"fmt"

	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/tools"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of model context.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// StreamChunk is one unit of streamed model output.
type StreamChunk struct {
	Type     string    // "text", "tool_call", "done"
	Text     string
	ToolCall *ToolCall
}

// Stream chunk types.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
)

// Provider generates completions with optional tool calling.
type Provider interface {
	// Generate runs one completion to the end and returns the final
	// text plus any tool calls the model requested.
	Generate(ctx context.Context, messages []Message, toolDefs []tools.ToolInfo) (string, []ToolCall, error)

	// GenerateStreaming emits chunks on the returned channel; the
	// channel closes after a ChunkDone or on error.
	GenerateStreaming(ctx context.Context, messages []Message, toolDefs []tools.ToolInfo) (<-chan StreamChunk, error)

	ModelName() string

	Close() error
}

// New builds a Provider from configuration.
func New(cfg *config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai", "openai-compatible", "":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
