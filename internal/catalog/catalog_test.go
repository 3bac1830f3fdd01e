package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeCaller struct {
	text    string
	err     error
	calls   []map[string]any
	tool    string
	block   bool
	initErr error
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.tool = name
	f.calls = append(f.calls, args)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, f.err
}

func (f *fakeCaller) Initialize(context.Context) error { return f.initErr }
func (f *fakeCaller) Ping(context.Context) error       { return f.err }

func TestSearch_DataItemsEnvelope(t *testing.T) {
	fc := &fakeCaller{text: `{"data":{"items":[
		{"xml_id": 4021, "name": "Potato, 1 kg", "price": 89.9, "unit": "kg", "rating": {"average": 4.7}},
		{"xml_id": "4022", "name": "Young potato", "price": {"current": 120}}
	]}}`}
	g := NewGateway(fc, Config{})

	got, err := g.Search(context.Background(), "  potato ")
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if fc.tool != DefaultSearchTool {
		t.Errorf("tool = %q, want %q", fc.tool, DefaultSearchTool)
	}
	if q := fc.calls[0][DefaultQueryArg]; q != "potato" {
		t.Errorf("query arg = %v, want trimmed %q", q, "potato")
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	want := Product{ID: "4021", Name: "Potato, 1 kg", Price: 89.9, Unit: "kg", Rating: 4.7}
	if got[0] != want {
		t.Errorf("got[0] = %+v, want %+v", got[0], want)
	}
	if got[1].ID != "4022" || got[1].Price != 120 {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestSearch_BareArrayLimitAndTruncation(t *testing.T) {
	var items []string
	for i := 0; i < 15; i++ {
		items = append(items, fmt.Sprintf(`{"id": %d, "name": %q, "price": "10"}`, i, strings.Repeat("я", 100)))
	}
	fc := &fakeCaller{text: "[" + strings.Join(items, ",") + "]"}
	g := NewGateway(fc, Config{})

	got, err := g.Search(context.Background(), "milk")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != DefaultResultLimit {
		t.Errorf("len = %d, want %d", len(got), DefaultResultLimit)
	}
	if n := len([]rune(got[0].Name)); n != MaxNameRunes {
		t.Errorf("name runes = %d, want %d", n, MaxNameRunes)
	}
	if got[0].Price != 10 {
		t.Errorf("price = %v, want 10", got[0].Price)
	}
}

func TestSearch_EmptyResultIsNotError(t *testing.T) {
	for _, text := range []string{`{"data":{"items":[]}}`, `[]`, ``} {
		g := NewGateway(&fakeCaller{text: text}, Config{})
		got, err := g.Search(context.Background(), "truffle")
		if err != nil {
			t.Errorf("Search(%q) error: %v", text, err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("Search(%q) = %v, want empty slice", text, got)
		}
	}
}

func TestSearch_InvalidArgument(t *testing.T) {
	fc := &fakeCaller{}
	g := NewGateway(fc, Config{})

	_, err := g.Search(context.Background(), "   ")
	var te *ToolError
	if !errors.As(err, &te) || te.Kind != InvalidArgument {
		t.Fatalf("error = %v, want InvalidArgument", err)
	}
	if te.Temporary() {
		t.Error("InvalidArgument should not be temporary")
	}
	if len(fc.calls) != 0 {
		t.Error("backend called for empty query")
	}
}

func TestSearch_BackendUnavailable(t *testing.T) {
	tests := []struct {
		name string
		fc   *fakeCaller
	}{
		{"transport error", &fakeCaller{err: errors.New("connection refused")}},
		{"garbage payload", &fakeCaller{text: "Service temporarily unavailable"}},
		{"bad json", &fakeCaller{text: `{"data":`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGateway(tt.fc, Config{}).Search(context.Background(), "milk")
			var te *ToolError
			if !errors.As(err, &te) || te.Kind != BackendUnavailable {
				t.Fatalf("error = %v, want BackendUnavailable", err)
			}
			if !te.Temporary() {
				t.Error("BackendUnavailable should be temporary")
			}
		})
	}
}

func TestSearch_Timeout(t *testing.T) {
	g := NewGateway(&fakeCaller{block: true}, Config{Timeout: 20 * time.Millisecond})

	_, err := g.Search(context.Background(), "milk")
	var te *ToolError
	if !errors.As(err, &te) || te.Kind != BackendUnavailable {
		t.Fatalf("error = %v, want BackendUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap DeadlineExceeded: %v", err)
	}
}

func TestSearch_CustomToolAndArg(t *testing.T) {
	fc := &fakeCaller{text: `{"items":[{"id":"a","title":"Carrot"}]}`}
	g := NewGateway(fc, Config{SearchTool: "products_search", QueryArg: "query", ResultLimit: 3})

	got, err := g.Search(context.Background(), "carrot")
	if err != nil {
		t.Fatal(err)
	}
	if fc.tool != "products_search" || fc.calls[0]["query"] != "carrot" {
		t.Errorf("call = %s %v", fc.tool, fc.calls[0])
	}
	if len(got) != 1 || got[0].Name != "Carrot" {
		t.Errorf("got = %+v", got)
	}
}

func TestConnect_WrapsError(t *testing.T) {
	g := NewGateway(&fakeCaller{initErr: errors.New("tls handshake")}, Config{})
	var te *ToolError
	if err := g.Connect(context.Background()); !errors.As(err, &te) || te.Op != "connect" {
		t.Fatalf("Connect error = %v", err)
	}
}
