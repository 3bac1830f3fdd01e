package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/cartwright/internal/llm"
	"github.com/nugget/cartwright/internal/session"
	"github.com/nugget/cartwright/internal/tools"
)

// OutputKind classifies one model response.
type OutputKind int

const (
	// OutputFinal is a plain-text answer for the user.
	OutputFinal OutputKind = iota
	// OutputToolCalls requests one or more tool invocations.
	OutputToolCalls
	// OutputMalformed could not be understood as either.
	OutputMalformed
)

func (k OutputKind) String() string {
	switch k {
	case OutputFinal:
		return "final"
	case OutputToolCalls:
		return "tool_calls"
	case OutputMalformed:
		return "malformed"
	}
	return fmt.Sprintf("OutputKind(%d)", int(k))
}

// Output is a classified model response.
type Output struct {
	Kind OutputKind
	// Text is the answer for OutputFinal. For OutputToolCalls it holds
	// any text the model wrote alongside the calls.
	Text      string
	ToolCalls []session.ToolCall
	// Problem describes why an OutputMalformed response was rejected.
	Problem string

	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
}

// Model is the language-model capability the loop drives.
type Model interface {
	Invoke(ctx context.Context, history []session.Message, defs []tools.Definition) (Output, error)
}

// LLMModel adapts an llm.Client to Model.
type LLMModel struct {
	client   llm.Client
	model    string
	provider string
	system   string
	logger   *slog.Logger
}

// NewLLMModel returns a Model that sends system as the system prompt
// ahead of every history.
func NewLLMModel(client llm.Client, provider, model, system string, logger *slog.Logger) *LLMModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMModel{
		client:   client,
		model:    model,
		provider: provider,
		system:   system,
		logger:   logger.With("component", "model"),
	}
}

// Invoke sends history to the model and classifies the response.
func (m *LLMModel) Invoke(ctx context.Context, history []session.Message, defs []tools.Definition) (Output, error) {
	resp, err := m.client.Chat(ctx, m.model, toLLMMessages(m.system, history), toLLMTools(defs))
	if err != nil {
		return Output{}, err
	}

	out := classify(resp.Message)
	out.Model = resp.Model
	if out.Model == "" {
		out.Model = m.model
	}
	out.Provider = m.provider
	out.InputTokens = resp.InputTokens
	out.OutputTokens = resp.OutputTokens

	if out.Kind == OutputMalformed {
		m.logger.Warn("malformed model output", "problem", out.Problem, "model", out.Model)
	}
	return out, nil
}

// toLLMMessages maps a session history to provider messages. A tool
// result without a call ID answers no tool_use block, so it is sent as
// user text.
func toLLMMessages(system string, history []session.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: system})
	}
	for _, h := range history {
		switch h.Role {
		case session.RoleUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: h.Content})
		case session.RoleAgent:
			m := llm.Message{Role: "assistant", Content: h.Content}
			for _, tc := range h.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
			}
			msgs = append(msgs, m)
		case session.RoleToolResult:
			if h.ToolCallID == "" {
				msgs = append(msgs, llm.Message{Role: "user", Content: "[tool error] " + h.Content})
				continue
			}
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    h.Content,
				ToolCallID: h.ToolCallID,
				IsError:    h.IsError,
			})
		}
	}
	return msgs
}

func toLLMTools(defs []tools.Definition) []llm.Tool {
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}

// classify sorts an assistant message into final text, tool calls or
// malformed output.
func classify(msg llm.Message) Output {
	if len(msg.ToolCalls) > 0 {
		out := Output{Kind: OutputToolCalls, Text: strings.TrimSpace(stripThink(msg.Content))}
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, session.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
			switch {
			case tc.Name == "":
				out.Kind = OutputMalformed
				out.Problem = "a tool call has no tool name"
			case tc.Arguments[llm.RawArgumentsKey] != nil:
				out.Kind = OutputMalformed
				out.Problem = fmt.Sprintf("arguments for %s are not a JSON object", tc.Name)
			}
		}
		return out
	}

	text := strings.TrimSpace(stripThink(msg.Content))
	switch {
	case text == "":
		return Output{Kind: OutputMalformed, Problem: "the response was empty"}
	case looksLikeToolCall(text):
		return Output{Kind: OutputMalformed, Text: text, Problem: "a tool call was written as text"}
	}
	return Output{Kind: OutputFinal, Text: text}
}

// stripThink removes <think>...</think> reasoning blocks. An unclosed
// block swallows the rest of the text; a stray closing tag drops
// everything before it.
func stripThink(s string) string {
	const open, closeTag = "<think>", "</think>"
	for {
		start := strings.Index(s, open)
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], closeTag)
		if end < 0 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len(closeTag):]
	}
	if i := strings.Index(s, closeTag); i >= 0 {
		s = s[i+len(closeTag):]
	}
	return s
}

// looksLikeToolCall reports whether text is a tool invocation the model
// printed instead of sending through the tool interface.
func looksLikeToolCall(text string) bool {
	if strings.Contains(text, "<function_calls>") || strings.Contains(text, "<tool_call>") {
		return true
	}
	if strings.Contains(text, `"tool_name"`) {
		return true
	}
	t := strings.TrimPrefix(strings.TrimSpace(text), "```json")
	t = strings.TrimSpace(strings.TrimPrefix(t, "```"))
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		return strings.Contains(t, `"name"`) && (strings.Contains(t, `"arguments"`) || strings.Contains(t, `"parameters"`))
	}
	return false
}
