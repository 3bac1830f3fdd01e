package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/cartwright/internal/llm"
	"github.com/nugget/cartwright/internal/session"
	"github.com/nugget/cartwright/internal/tools"
)

type mockLLM struct {
	resp     *llm.ChatResponse
	err      error
	messages []llm.Message
	tools    []llm.Tool
}

func (m *mockLLM) Chat(_ context.Context, _ string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	m.messages = messages
	m.tools = tools
	return m.resp, m.err
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		msg     llm.Message
		kind    OutputKind
		text    string
		problem string
	}{
		{
			name: "final",
			msg:  llm.Message{Content: "Added 3 items."},
			kind: OutputFinal,
			text: "Added 3 items.",
		},
		{
			name: "think stripped",
			msg:  llm.Message{Content: "<think>need potatoes</think>\nHere you go."},
			kind: OutputFinal,
			text: "Here you go.",
		},
		{
			name: "tool calls",
			msg: llm.Message{ToolCalls: []llm.ToolCall{
				{ID: "a", Name: "search_products", Arguments: map[string]any{"query": "peas"}},
			}},
			kind: OutputToolCalls,
		},
		{
			name: "raw arguments",
			msg: llm.Message{ToolCalls: []llm.ToolCall{
				{ID: "a", Name: "add_to_basket", Arguments: map[string]any{llm.RawArgumentsKey: "{id: 1"}},
			}},
			kind:    OutputMalformed,
			problem: "arguments for add_to_basket are not a JSON object",
		},
		{
			name:    "empty",
			msg:     llm.Message{Content: "  <think>hmm</think>  "},
			kind:    OutputMalformed,
			problem: "the response was empty",
		},
		{
			name:    "inline tool call",
			msg:     llm.Message{Content: `{"name": "search_products", "arguments": {"query": "eggs"}}`},
			kind:    OutputMalformed,
			problem: "a tool call was written as text",
		},
		{
			name:    "function_calls markup",
			msg:     llm.Message{Content: "<function_calls><invoke name=\"search_products\"/></function_calls>"},
			kind:    OutputMalformed,
			problem: "a tool call was written as text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.msg)
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.text != "" && got.Text != tt.text {
				t.Errorf("Text = %q, want %q", got.Text, tt.text)
			}
			if got.Problem != tt.problem {
				t.Errorf("Problem = %q, want %q", got.Problem, tt.problem)
			}
		})
	}
}

func TestStripThink(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"<think>a</think>b", "b"},
		{"x<think>a</think>y<think>b</think>z", "xyz"},
		{"answer<think>unfinished", "answer"},
		{"reasoning</think>answer", "answer"},
	}
	for _, tt := range tests {
		if got := stripThink(tt.in); got != tt.want {
			t.Errorf("stripThink(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestToLLMMessages(t *testing.T) {
	history := []session.Message{
		{Role: session.RoleUser, Content: "olivier"},
		{Role: session.RoleAgent, ToolCalls: []session.ToolCall{{ID: "c1", Name: "search_products", Arguments: map[string]any{"query": "peas"}}}},
		{Role: session.RoleToolResult, ToolCallID: "c1", ToolName: "search_products", Content: "Error: down", IsError: true},
		{Role: session.RoleToolResult, Content: "bad output"},
		{Role: session.RoleAgent, Content: "done"},
	}

	got := toLLMMessages("sys", history)
	if len(got) != 6 {
		t.Fatalf("len = %d, want 6", len(got))
	}
	if got[0].Role != "system" || got[0].Content != "sys" {
		t.Errorf("system = %+v", got[0])
	}
	if got[2].Role != "assistant" || got[2].ToolCalls[0].ID != "c1" || got[2].ToolCalls[0].Arguments["query"] != "peas" {
		t.Errorf("assistant = %+v", got[2])
	}
	if got[3].Role != "tool" || got[3].ToolCallID != "c1" || !got[3].IsError {
		t.Errorf("tool result = %+v", got[3])
	}
	if got[4].Role != "user" || got[4].Content != "[tool error] bad output" {
		t.Errorf("uncorrelated tool result = %+v", got[4])
	}
}

func TestLLMModel_Invoke(t *testing.T) {
	client := &mockLLM{resp: &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", Content: "ok"},
		InputTokens:  12,
		OutputTokens: 3,
	}}
	m := NewLLMModel(client, "anthropic", "claude-test", "sys", nil)

	defs := []tools.Definition{{Name: "view_basket", Parameters: map[string]any{"type": "object"}}}
	out, err := m.Invoke(context.Background(), []session.Message{{Role: session.RoleUser, Content: "hi"}}, defs)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Kind != OutputFinal || out.Model != "claude-test" || out.Provider != "anthropic" || out.InputTokens != 12 {
		t.Errorf("output = %+v", out)
	}
	if len(client.tools) != 1 || client.tools[0].Name != "view_basket" {
		t.Errorf("tools sent = %+v", client.tools)
	}
	if len(client.messages) != 2 || client.messages[0].Role != "system" {
		t.Errorf("messages sent = %+v", client.messages)
	}

	client.err = errors.New("boom")
	if _, err := m.Invoke(context.Background(), nil, nil); err == nil {
		t.Error("expected client error to propagate")
	}
}
