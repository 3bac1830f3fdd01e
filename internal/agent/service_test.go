package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/cartwright/internal/checkout"
	"github.com/nugget/cartwright/internal/prompts"
	"github.com/nugget/cartwright/internal/session"
	"github.com/nugget/cartwright/internal/tools"
)

func newTestService(t *testing.T, model Model, store *session.Store) *Service {
	t.Helper()
	loop := newTestLoop(t, model, groceryCatalog(), testConfig())
	return NewService(store, loop, loop.renderer, nil, nil)
}

func TestIsResetCommand(t *testing.T) {
	tests := map[string]bool{
		"/start":          true,
		" /new_chat ":     true,
		"/RESET":          true,
		"/start@cartbot":  true,
		"start":           false,
		"/reset my order": false,
		"":                false,
	}
	for in, want := range tests {
		if got := IsResetCommand(in); got != want {
			t.Errorf("IsResetCommand(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestService_HandleAndCheckout(t *testing.T) {
	model := &scriptedModel{steps: []step{
		toolCalls(call(tools.SearchProducts, map[string]any{"query": "eggs"})),
		toolCalls(call(tools.AddToBasket, map[string]any{"product_id": "105", "quantity": 2.0})),
		final("Added eggs."),
	}}
	svc := newTestService(t, model, session.NewStore())

	if _, err := svc.Checkout(context.Background(), "olga"); !errors.Is(err, checkout.ErrEmptyBasket) {
		t.Fatalf("Checkout before any turn = %v, want ErrEmptyBasket", err)
	}

	reply, err := svc.Handle(context.Background(), "olga", "  eggs for breakfast ")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.CheckoutURL == "" {
		t.Fatal("answered reply with non-empty basket has no checkout URL")
	}

	art, err := svc.Checkout(context.Background(), "olga")
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if art.URL != reply.CheckoutURL || art.Items != 2 {
		t.Errorf("artifact = %+v, reply URL = %q", art, reply.CheckoutURL)
	}

	lines, err := svc.Basket("olga")
	if err != nil || len(lines) != 1 {
		t.Errorf("Basket = %v, %v", lines, err)
	}
	if _, err := svc.Basket("nobody"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Basket(unknown) error = %v, want ErrNotFound", err)
	}

	history, _ := svc.History("olga")
	if history[0].Content != "eggs for breakfast" {
		t.Errorf("user message = %q, want trimmed text", history[0].Content)
	}
}

func TestService_ResetCommand(t *testing.T) {
	model := &scriptedModel{steps: []step{
		toolCalls(call(tools.SearchProducts, map[string]any{"query": "eggs"})),
		toolCalls(call(tools.AddToBasket, map[string]any{"product_id": "105"})),
		final("ok"),
	}}
	store := session.NewStore()
	svc := newTestService(t, model, store)

	if _, err := svc.Handle(context.Background(), "pat", "eggs"); err != nil {
		t.Fatal(err)
	}
	reply, err := svc.Handle(context.Background(), "pat", "/new_chat")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != prompts.ResetDone {
		t.Errorf("reset reply = %q", reply.Text)
	}
	if model.invocations() != 3 {
		t.Errorf("reset command reached the model")
	}

	sess, ok := store.Get("pat")
	if !ok {
		t.Fatal("identity dropped by reset")
	}
	if sess.Len() != 0 || !sess.Basket.Empty() {
		t.Errorf("after reset: %d messages, %d basket lines", sess.Len(), sess.Basket.Len())
	}
	if _, ok := sess.Product("105"); ok {
		t.Error("product cache survived reset")
	}
	if _, err := svc.Checkout(context.Background(), "pat"); !errors.Is(err, checkout.ErrEmptyBasket) {
		t.Errorf("Checkout after reset = %v, want ErrEmptyBasket", err)
	}
}

func TestService_EmptyMessage(t *testing.T) {
	model := &scriptedModel{}
	svc := newTestService(t, model, session.NewStore())

	reply, err := svc.Handle(context.Background(), "quin", "   ")
	if err != nil || reply.Text != prompts.Greeting {
		t.Fatalf("reply = %+v, err = %v", reply, err)
	}
	if model.invocations() != 0 {
		t.Error("empty message reached the model")
	}
}

// gatedModel answers "reply to <text>" but blocks each call until the
// test releases it, and tracks concurrent invocations.
type gatedModel struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	seen    [][]session.Message
	entered chan struct{}
	gate    chan struct{}
}

func (m *gatedModel) Invoke(ctx context.Context, history []session.Message, _ []tools.Definition) (Output, error) {
	m.mu.Lock()
	m.active++
	if m.active > m.maxSeen {
		m.maxSeen = m.active
	}
	m.seen = append(m.seen, history)
	m.mu.Unlock()

	m.entered <- struct{}{}
	select {
	case <-m.gate:
	case <-ctx.Done():
	}

	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	last := history[len(history)-1]
	return Output{Kind: OutputFinal, Text: "reply to " + last.Content}, nil
}

func TestService_SameIdentitySerialized(t *testing.T) {
	model := &gatedModel{entered: make(chan struct{}, 4), gate: make(chan struct{})}
	svc := newTestService(t, model, session.NewStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Handle(ctx, "rex", "first")
	}()
	<-model.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Handle(ctx, "rex", "second")
	}()

	// The second turn must not reach the model while the first holds it.
	select {
	case <-model.entered:
		t.Fatal("second turn started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	model.gate <- struct{}{}
	<-model.entered
	model.gate <- struct{}{}
	wg.Wait()

	if model.maxSeen != 1 {
		t.Errorf("max concurrent invocations = %d, want 1", model.maxSeen)
	}
	second := model.seen[1]
	var contents []string
	for _, m := range second {
		contents = append(contents, m.Content)
	}
	want := []string{"first", "reply to first", "second"}
	if len(contents) != len(want) {
		t.Fatalf("second turn saw %v, want %v", contents, want)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("second turn saw %v, want %v", contents, want)
		}
	}
}

func TestService_DifferentIdentitiesConcurrent(t *testing.T) {
	model := &gatedModel{entered: make(chan struct{}, 4), gate: make(chan struct{})}
	svc := newTestService(t, model, session.NewStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"sam", "tess"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Handle(ctx, id, "hello")
		}()
	}

	for range 2 {
		select {
		case <-model.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("identities blocked each other")
		}
	}
	close(model.gate)
	wg.Wait()
}

func TestService_BusyReject(t *testing.T) {
	model := &gatedModel{entered: make(chan struct{}, 4), gate: make(chan struct{})}
	svc := newTestService(t, model, session.NewStore(session.WithBusyPolicy(session.BusyReject)))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Handle(ctx, "uma", "first")
	}()
	<-model.entered

	if _, err := svc.Handle(ctx, "uma", "second"); !errors.Is(err, session.ErrBusy) {
		t.Errorf("Handle while busy = %v, want ErrBusy", err)
	}
	close(model.gate)
	<-done

	if _, err := svc.Handle(ctx, "uma", "third"); err != nil {
		t.Errorf("Handle after first finished = %v", err)
	}
}
