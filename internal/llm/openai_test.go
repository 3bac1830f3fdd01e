package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToOpenAI(t *testing.T) {
	out := convertToOpenAI([]Message{
		{Role: "system", Content: "sys"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "search_products", Arguments: map[string]any{"query": "carrot"}}}},
		{Role: "tool", Content: "[]", ToolCallID: "c1"},
	})

	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if out[1].Content != nil {
		t.Errorf("assistant tool-call message should have null content, got %q", *out[1].Content)
	}
	call := out[1].ToolCalls[0]
	if call.Type != "function" || call.Function.Arguments != `{"query":"carrot"}` {
		t.Errorf("tool call = %+v", call)
	}
	if out[2].ToolCallID != "c1" || *out[2].Content != "[]" {
		t.Errorf("tool message = %+v", out[2])
	}
}

func TestConvertFromOpenAI_RawArguments(t *testing.T) {
	var resp openaiResponse
	data := `{"model":"qwen3","choices":[{"finish_reason":"tool_calls","message":{"role":"assistant","content":null,
		"tool_calls":[
			{"id":"a","type":"function","function":{"name":"search_products","arguments":"{\"query\":\"milk\"}"}},
			{"id":"b","type":"function","function":{"name":"add_to_basket","arguments":"{product_id: 5"}},
			{"id":"c","type":"function","function":{"name":"view_basket","arguments":""}}
		]}}],"usage":{"prompt_tokens":50,"completion_tokens":7}}`
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		t.Fatal(err)
	}

	got := convertFromOpenAI(&resp)
	calls := got.Message.ToolCalls
	if len(calls) != 3 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Arguments["query"] != "milk" {
		t.Errorf("call 0 args = %v", calls[0].Arguments)
	}
	if calls[1].Arguments[RawArgumentsKey] != "{product_id: 5" {
		t.Errorf("call 1 args = %v, want raw marker", calls[1].Arguments)
	}
	if len(calls[2].Arguments) != 0 {
		t.Errorf("call 2 args = %v, want empty", calls[2].Arguments)
	}
	if got.InputTokens != 50 || got.OutputTokens != 7 || got.StopReason != "tool_calls" {
		t.Errorf("response = %+v", got)
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-local" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		var req openaiRequest
		json.Unmarshal(body, &req)
		if req.Model != "gpt-test" || len(req.Tools) != 1 {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"model":"gpt-test","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-local"})
	resp, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "hi"}},
		[]Tool{{Name: "view_basket"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), "m", nil, nil); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
