// Package session keeps per-conversation state in memory: the message
// history, the basket being assembled and the products the agent has
// seen. The Store serializes turns per conversation so a history is
// never interleaved, while different conversations run concurrently.
package session

import (
	"sync"
	"time"

	"github.com/nugget/cartwright/internal/basket"
)

// Session is the state of one conversation. ID, Basket and CreatedAt
// never change; everything else is guarded by the session's mutex.
type Session struct {
	ID        string
	Basket    *basket.Basket
	CreatedAt time.Time

	mu         sync.Mutex
	messages   []Message
	products   map[string]basket.Product
	lastActive time.Time
	rounds     int
	turns      int
	now        func() time.Time
}

func newSession(id string, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:         id,
		Basket:     basket.New(),
		CreatedAt:  t,
		products:   make(map[string]basket.Product),
		lastActive: t,
		now:        now,
	}
}

// Append adds msg to the history, assigning its index and a timestamp
// if none is set, and returns the stored copy.
func (s *Session) Append(msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	msg.Index = len(s.messages)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t
	}
	s.messages = append(s.messages, msg)
	s.lastActive = t
	return msg
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Remember records products returned by a search so later tool calls
// can refer to them by id.
func (s *Session) Remember(products ...basket.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		s.products[p.ID] = p
	}
}

// Product looks up a product previously passed to Remember.
func (s *Session) Product(id string) (basket.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

// SetRounds records the tool-call rounds consumed by the current turn.
func (s *Session) SetRounds(n int) {
	s.mu.Lock()
	s.rounds = n
	s.mu.Unlock()
}

// Rounds returns the tool-call rounds consumed by the current or last turn.
func (s *Session) Rounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}

// Turns returns how many turns have started on this session since it
// was created or last reset.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// LastActive returns the time of the last append or turn boundary.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

func (s *Session) beginTurn() {
	s.mu.Lock()
	s.turns++
	s.rounds = 0
	s.lastActive = s.now()
	s.mu.Unlock()
}

// reset clears history, basket, product cache and counters.
func (s *Session) reset() {
	s.Basket.Clear()

	s.mu.Lock()
	s.messages = nil
	s.products = make(map[string]basket.Product)
	s.rounds = 0
	s.turns = 0
	s.lastActive = s.now()
	s.mu.Unlock()
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID          string    `json:"id"`
	Messages    int       `json:"messages"`
	Turns       int       `json:"turns"`
	BasketLines int       `json:"basket_lines"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

// Info returns a summary of the session.
func (s *Session) Info() Info {
	lines := s.Basket.Len()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.ID,
		Messages:    len(s.messages),
		Turns:       s.turns,
		BasketLines: lines,
		CreatedAt:   s.CreatedAt,
		LastActive:  s.lastActive,
	}
}
