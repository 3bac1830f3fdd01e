package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nugget/cartwright/internal/basket"
	"github.com/nugget/cartwright/internal/checkout"
	"github.com/nugget/cartwright/internal/events"
	"github.com/nugget/cartwright/internal/prompts"
	"github.com/nugget/cartwright/internal/session"
)

// resetCommands start a new basket when sent as a whole message.
var resetCommands = map[string]bool{
	"/start":    true,
	"/new_chat": true,
	"/reset":    true,
}

// IsResetCommand reports whether text asks for a fresh conversation.
func IsResetCommand(text string) bool {
	cmd := strings.ToLower(strings.TrimSpace(text))
	// Telegram-style "/start@botname".
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return resetCommands[cmd]
}

// Service is the entry point transports use. It serializes turns per
// conversation through the session store and runs them on the loop.
type Service struct {
	store    *session.Store
	loop     *Loop
	renderer checkout.Builder
	bus      *events.Bus
	logger   *slog.Logger
}

// NewService wires the store, loop and renderer together.
func NewService(store *session.Store, loop *Loop, renderer checkout.Builder, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		loop:     loop,
		renderer: renderer,
		bus:      bus,
		logger:   logger.With("component", "service"),
	}
}

// Handle processes one inbound message for identity. Reset commands are
// answered without a model call. The error is non-nil only when the
// turn could not start: session.ErrBusy under the reject policy, or ctx
// ending while queued.
func (s *Service) Handle(ctx context.Context, identity, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if IsResetCommand(text) {
		if err := s.Reset(ctx, identity); err != nil {
			return nil, err
		}
		return &Reply{Text: prompts.ResetDone, State: StateAnswered}, nil
	}
	if text == "" {
		return &Reply{Text: prompts.Greeting, State: StateAnswered}, nil
	}

	turn, err := s.store.Begin(ctx, identity)
	if err != nil {
		s.logger.Debug("turn not started", "conversation_id", identity, "error", err)
		return nil, err
	}
	defer turn.End()

	return s.loop.Run(ctx, turn.Session(), text)
}

// Reset clears identity's history and basket. It queues behind a turn
// in flight so it never cuts one short.
func (s *Service) Reset(ctx context.Context, identity string) error {
	turn, err := s.store.Begin(ctx, identity)
	if err != nil {
		return err
	}
	defer turn.End()

	s.store.Reset(identity)
	s.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionReset,
		Data:   map[string]any{"conversation_id": identity},
	})
	return nil
}

// Basket returns the current lines of identity's basket.
func (s *Service) Basket(identity string) ([]basket.Line, error) {
	sess, ok := s.store.Get(identity)
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess.Basket.Lines(), nil
}

// Checkout renders identity's basket. An empty or unknown basket yields
// checkout.ErrEmptyBasket.
func (s *Service) Checkout(ctx context.Context, identity string) (checkout.Artifact, error) {
	sess, ok := s.store.Get(identity)
	if !ok {
		return checkout.Artifact{}, checkout.ErrEmptyBasket
	}
	return s.renderer.Build(ctx, sess.Basket.Lines())
}

// History returns a copy of identity's message history.
func (s *Service) History(identity string) ([]session.Message, error) {
	sess, ok := s.store.Get(identity)
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess.Messages(), nil
}

// Sessions summarizes the live conversations.
func (s *Service) Sessions() []session.Info {
	return s.store.List()
}
