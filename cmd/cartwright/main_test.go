package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_Usage(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), nil, &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: cartwright") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-x", "version"}, "unknown flag: -x"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without text", []string{"ask"}, "usage: cartwright ask"},
		{"missing config", []string{"-config", "/nonexistent/cartwright.yaml", "ask", "milk"}, "/nonexistent/cartwright.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			err := run(context.Background(), nil, &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	t.Parallel()

	var text bytes.Buffer
	if err := run(context.Background(), nil, &text, &text, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text output missing go_version:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), nil, &js, &js, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("version json output: %v\n%s", err, js.String())
	}
	if info["version"] == "" {
		t.Errorf("version missing from %v", info)
	}
}

// fakeCatalog answers the MCP handshake and product search over
// streamable HTTP with JSON bodies.
func fakeCatalog(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result string
		switch req.Method {
		case "initialize":
			result = `{"protocolVersion":"2025-03-26","serverInfo":{"name":"fake-catalog","version":"1"}}`
		case "tools/call":
			items := `{"data":{"items":[{"xml_id":42,"name":"Milk 3.2%, 1 L","price":95,"unit":"pcs"}]}}`
			text, _ := json.Marshal(items)
			result = fmt.Sprintf(`{"content":[{"type":"text","text":%s}]}`, text)
		default:
			result = `{}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, *req.ID, result)
	}))
}

// fakeModel is a chat-completions endpoint that searches, adds two
// units of the first hit, then answers.
func fakeModel(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		toolResults := 0
		for _, m := range req.Messages {
			if m.Role == "tool" {
				toolResults++
			}
		}

		var msg string
		switch toolResults {
		case 0:
			msg = `{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"search_products","arguments":"{\"query\":\"milk\"}"}}]}`
		case 1:
			msg = `{"role":"assistant","content":null,"tool_calls":[{"id":"c2","type":"function","function":{"name":"add_to_basket","arguments":"{\"product_id\":\"42\",\"quantity\":2}"}}]}`
		default:
			msg = `{"role":"assistant","content":"Added 2 × milk."}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":"fake","choices":[{"finish_reason":"stop","message":%s}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`, msg)
	}))
}

func writeConfig(t *testing.T, catalogURL, modelURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
llm:
  provider: openai
  model: fake
  base_url: %s/v1
catalog:
  url: %s
checkout:
  base_url: https://shop.example/cart/
usage:
  enabled: true
data_dir: %s
`, modelURL, catalogURL, filepath.Join(dir, "data"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Ask(t *testing.T) {
	cat := fakeCatalog(t)
	defer cat.Close()
	model := fakeModel(t)
	defer model.Close()
	cfgPath := writeConfig(t, cat.URL, model.URL)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), nil, &stdout, &stderr, []string{"-config", cfgPath, "ask", "milk", "for", "pancakes"})
	if err != nil {
		t.Fatalf("ask: %v\nstderr:\n%s", err, stderr.String())
	}

	out := stdout.String()
	for _, want := range []string{
		"Added 2 × milk.",
		"2 × Milk 3.2%, 1 L",
		"total: 190.00",
		"checkout: https://shop.example/cart/?products=42%3A2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "data", "usage.db")); err != nil {
		t.Errorf("usage ledger not created: %v", err)
	}
}

func TestRun_AskJSON(t *testing.T) {
	cat := fakeCatalog(t)
	defer cat.Close()
	model := fakeModel(t)
	defer model.Close()
	cfgPath := writeConfig(t, cat.URL, model.URL)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), nil, &stdout, &stderr, []string{"-config", cfgPath, "-o", "json", "ask", "milk"}); err != nil {
		t.Fatalf("ask: %v\nstderr:\n%s", err, stderr.String())
	}

	var reply struct {
		State       string `json:"state"`
		CheckoutURL string `json:"checkout_url"`
		Rounds      int    `json:"rounds"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		t.Fatalf("json output: %v\n%s", err, stdout.String())
	}
	if reply.State != "ANSWERED" || reply.Rounds != 2 {
		t.Errorf("reply = %+v", reply)
	}
	if reply.CheckoutURL != "https://shop.example/cart/?products=42%3A2" {
		t.Errorf("checkout_url = %q", reply.CheckoutURL)
	}
}

func TestRun_Chat(t *testing.T) {
	cat := fakeCatalog(t)
	defer cat.Close()
	model := fakeModel(t)
	defer model.Close()
	cfgPath := writeConfig(t, cat.URL, model.URL)

	stdin := strings.NewReader("milk please\n\n/reset\n")
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), stdin, &stdout, &stderr, []string{"-config", cfgPath, "chat"}); err != nil {
		t.Fatalf("chat: %v\nstderr:\n%s", err, stderr.String())
	}

	out := stdout.String()
	if !strings.Contains(out, "checkout: https://shop.example/cart/?products=42%3A2") {
		t.Errorf("chat output missing checkout link:\n%s", out)
	}
	if strings.Count(out, "> ") != 4 {
		t.Errorf("prompt shown %d times, want 4:\n%s", strings.Count(out, "> "), out)
	}
}
