package session

import "time"

// Role identifies who produced a Message.
type Role string

// Message roles.
const (
	RoleUser       Role = "user"
	RoleAgent      Role = "agent"
	RoleToolResult Role = "tool-result"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one entry of a conversation history. Once appended it is
// never modified.
type Message struct {
	Index     int        `json:"index"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Set on tool-result messages. An empty ToolCallID marks a result
	// that answers no specific call, such as feedback on malformed
	// model output.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
