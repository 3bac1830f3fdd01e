package mqtt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/cartwright/internal/config"
	"github.com/nugget/cartwright/internal/events"
)

func TestTopicSegment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"turn_complete", "turn_complete"},
		{"whatsapp:+3161", "whatsapp__3161"},
		{"a/b#c", "a_b_c"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := topicSegment(tt.in); got != tt.want {
			t.Errorf("topicSegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNew_DefaultPrefix(t *testing.T) {
	p := New(config.MQTTConfig{Broker: "mqtt://localhost:1883"}, "abc", nil, nil)
	if got := p.availabilityTopic(); got != "cartwright/availability" {
		t.Errorf("availabilityTopic() = %q", got)
	}
	if got := p.clientID(); got != "cartwright-abc" {
		t.Errorf("clientID() = %q", got)
	}
	if got := New(config.MQTTConfig{}, "", nil, nil).clientID(); got != "cartwright" {
		t.Errorf("clientID() without instance = %q", got)
	}
}

func TestMessagesFor(t *testing.T) {
	p := New(config.MQTTConfig{TopicPrefix: "shop"}, "", nil, nil)

	t.Run("conversation event", func(t *testing.T) {
		msgs := p.messagesFor(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindTurnComplete,
			Data:   map[string]any{"conversation_id": "whatsapp:+3161", "state": "ANSWERED"},
		})
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2", len(msgs))
		}
		if msgs[0].topic != "shop/events/agent/turn_complete" || msgs[0].retain {
			t.Errorf("msgs[0] = %q retain=%v", msgs[0].topic, msgs[0].retain)
		}
		if msgs[1].topic != "shop/conversations/whatsapp__3161/turn_complete" || !msgs[1].retain {
			t.Errorf("msgs[1] = %q retain=%v", msgs[1].topic, msgs[1].retain)
		}

		var e events.Event
		if err := json.Unmarshal(msgs[1].payload, &e); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if e.Data["state"] != "ANSWERED" {
			t.Errorf("payload state = %v", e.Data["state"])
		}
	})

	t.Run("progress is not retained", func(t *testing.T) {
		msgs := p.messagesFor(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindToolCall,
			Data:   map[string]any{"conversation_id": "cli"},
		})
		if len(msgs) != 2 || msgs[1].retain {
			t.Fatalf("messages = %+v", msgs)
		}
	})

	t.Run("no conversation", func(t *testing.T) {
		msgs := p.messagesFor(events.Event{
			Source: events.SourceSession,
			Kind:   events.KindSessionsExpired,
			Data:   map[string]any{"count": 3},
		})
		if len(msgs) != 1 || msgs[0].topic != "shop/events/session/sessions_expired" {
			t.Fatalf("messages = %+v", msgs)
		}
	})
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first == "" {
		t.Fatal("empty instance ID")
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if second != first {
		t.Errorf("reloaded ID = %q, want %q", second, first)
	}

	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("  fixed-id \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := LoadOrCreateInstanceID(dir); got != "fixed-id" {
		t.Errorf("trimmed ID = %q", got)
	}
}
