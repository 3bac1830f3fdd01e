package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestSystemPrompt(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	got := SystemPrompt("", now, 8)
	for _, want := range []string{"search_products", "add_to_basket", "at most 8 tool calls", "Monday, March 2, 2026"} {
		if !strings.Contains(got, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if strings.Contains(got, "%!") {
		t.Error("system prompt has a formatting error")
	}

	if got := SystemPrompt("  custom prompt\n", now, 8); got != "custom prompt" {
		t.Errorf("override = %q", got)
	}
}

func TestDegradedReply(t *testing.T) {
	reasons := []string{ReasonLoopBudget, ReasonMalformedOutput, ReasonModelUnavailable, ReasonDeadline, ReasonCanceled}
	seen := make(map[string]bool)
	for _, r := range reasons {
		text := DegradedReply(r)
		if text == "" {
			t.Errorf("DegradedReply(%q) is empty", r)
		}
		if seen[text] {
			t.Errorf("DegradedReply(%q) duplicates another reason", r)
		}
		seen[text] = true
	}
	if DegradedReply("unknown") == "" {
		t.Error("unknown reason should still produce text")
	}
}

func TestProgressText(t *testing.T) {
	tests := map[string]string{
		"search_products":    "Searching products...",
		"add_to_basket":      "Assembling the basket...",
		"remove_from_basket": "Assembling the basket...",
		"something_else":     "Working...",
	}
	for tool, want := range tests {
		if got := ProgressText(tool); got != want {
			t.Errorf("ProgressText(%q) = %q, want %q", tool, got, want)
		}
	}
}

func TestMalformedFeedback(t *testing.T) {
	got := MalformedFeedback("arguments for add_to_basket are not a JSON object")
	if !strings.Contains(got, "add_to_basket") || !strings.HasPrefix(got, "Your last response") {
		t.Errorf("MalformedFeedback = %q", got)
	}
}
