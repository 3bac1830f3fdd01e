package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/cartwright/internal/events"
)

// ErrBusy is returned by Begin under BusyReject when a turn is already
// running or queued for the conversation.
var ErrBusy = errors.New("conversation is busy with a previous message")

// ErrNotFound is returned for operations on an unknown conversation.
var ErrNotFound = errors.New("session not found")

// BusyPolicy decides what Begin does when the conversation already has
// a turn in flight.
type BusyPolicy int

const (
	// BusyQueue waits behind the turns already in flight, in arrival order.
	BusyQueue BusyPolicy = iota
	// BusyReject fails immediately with ErrBusy.
	BusyReject
)

// ParseBusyPolicy maps a config value to a BusyPolicy. Empty means queue.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch s {
	case "", "queue":
		return BusyQueue, nil
	case "reject":
		return BusyReject, nil
	default:
		return BusyQueue, errors.New("unknown busy policy " + s)
	}
}

// lane chains the turns of one conversation. tail is closed by the most
// recently admitted turn when it ends; pending counts turns admitted
// but not yet ended.
type lane struct {
	tail    chan struct{}
	pending int
}

// Store owns every live session.
type Store struct {
	policy BusyPolicy
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	lanes    map[string]*lane
}

// Option configures a Store.
type Option func(*Store)

// WithBusyPolicy sets the policy for messages arriving mid-turn.
func WithBusyPolicy(p BusyPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithEventBus publishes janitor sweeps on b.
func WithEventBus(b *events.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		sessions: make(map[string]*Session),
		lanes:    make(map[string]*lane),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// GetOrCreate returns the session for id, creating an empty one on
// first contact.
func (s *Store) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id)
}

func (s *Store) getOrCreateLocked(id string) *Session {
	sess, ok := s.sessions[id]
	if !ok {
		sess = newSession(id, s.now)
		s.sessions[id] = sess
		s.logger.Debug("session created", "conversation_id", id)
	}
	return sess
}

// Get returns the session for id if it exists.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Reset clears the history, basket and product cache of id. The
// identity and its turn lane survive, so the conversation is usable
// immediately. Resetting an unknown id creates an empty session.
func (s *Store) Reset(id string) *Session {
	sess := s.GetOrCreate(id)
	sess.reset()
	s.logger.Info("session reset", "conversation_id", id)
	return sess
}

// AppendMessage appends msg to the history of id.
func (s *Store) AppendMessage(id string, msg Message) (Message, error) {
	sess, ok := s.Get(id)
	if !ok {
		return Message{}, ErrNotFound
	}
	return sess.Append(msg), nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// List returns summaries of all sessions, most recently active first.
func (s *Store) List() []Info {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	out := make([]Info, len(all))
	for i, sess := range all {
		out[i] = sess.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	return out
}

// ExpireIdle removes sessions whose last activity is older than ttl
// and that have no turn running or queued. Their lanes go with them.
// It returns the number removed.
func (s *Store) ExpireIdle(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if l, ok := s.lanes[id]; ok && l.pending > 0 {
			continue
		}
		if now.Sub(sess.LastActive()) <= ttl {
			continue
		}
		delete(s.sessions, id)
		delete(s.lanes, id)
		removed++
	}
	return removed
}

// Janitor calls ExpireIdle every interval until ctx is done.
func (s *Store) Janitor(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ExpireIdle(s.now(), ttl); n > 0 {
				s.logger.Info("expired idle sessions", "removed", n, "remaining", s.Len())
				s.bus.Publish(events.Event{
					Source: events.SourceSession,
					Kind:   events.KindSessionsExpired,
					Data:   map[string]any{"count": n},
				})
			}
		}
	}
}

// Turn is the exclusive right to mutate one session. Call End exactly
// when the turn reaches a terminal state; extra calls are no-ops.
type Turn struct {
	store   *Store
	id      string
	session *Session
	done    chan struct{}
	once    sync.Once
}

// Session returns the session this turn owns.
func (t *Turn) Session() *Session {
	return t.session
}

// End releases the next queued turn for the same conversation.
func (t *Turn) End() {
	t.once.Do(func() {
		t.session.touch()
		close(t.done)

		t.store.mu.Lock()
		if l, ok := t.store.lanes[t.id]; ok {
			l.pending--
		}
		t.store.mu.Unlock()
	})
}

// Begin admits a turn for id, creating the session on first contact.
// Turns for the same id are admitted strictly in the order Begin was
// called; each waits for its predecessor's End. If ctx ends while
// waiting, Begin returns ctx.Err() and the queue stays ordered: the
// abandoned slot is released as soon as its predecessor ends.
func (s *Store) Begin(ctx context.Context, id string) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	l, ok := s.lanes[id]
	if !ok {
		l = &lane{}
		s.lanes[id] = l
	}
	if s.policy == BusyReject && l.pending > 0 {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	prev := l.tail
	turn := &Turn{
		store:   s,
		id:      id,
		session: s.getOrCreateLocked(id),
		done:    make(chan struct{}),
	}
	l.tail = turn.done
	l.pending++
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				turn.End()
			}()
			return nil, ctx.Err()
		}
	}

	turn.session.beginTurn()
	return turn, nil
}
