// Package llm talks to language-model providers. Two wire protocols are
// supported: the Anthropic Messages API and OpenAI-style chat
// completions, which also covers LiteLLM, Ollama and vLLM.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// RawArgumentsKey marks tool-call arguments that could not be decoded
// as a JSON object. The undecoded text is stored under this key.
const RawArgumentsKey = "_raw"

// Client is implemented by every provider.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error)
	Ping(ctx context.Context) error
}

// Message is a provider-neutral chat message. Role is one of system,
// user, assistant or tool.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// IsError flags a tool result that reports a failure.
	IsError bool `json:"-"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is provider-assigned and correlates the tool result.
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool describes a tool offered to the model. Parameters is a JSON
// schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatResponse is the provider-neutral result of one completion.
type ChatResponse struct {
	Model        string
	Message      Message
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// APIError is a non-2xx reply from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated: rate
// limits, overload and server errors.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}
