package tools

import (
	"context"

	"github.com/nugget/cartwright/internal/session"
)

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	sessionKey        contextKey = "session"
)

// WithSession binds the session a turn operates on, so basket tools know
// which basket to mutate.
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	ctx = context.WithValue(ctx, sessionKey, sess)
	return context.WithValue(ctx, conversationIDKey, sess.ID)
}

// SessionFromContext returns the session bound by WithSession.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(*session.Session)
	return sess, ok && sess != nil
}

// ConversationIDFromContext returns the conversation ID bound to ctx,
// or "default" if none is set.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}
