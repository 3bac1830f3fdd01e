// Package agent drives a tool-using language model through one bounded
// turn: the model searches the catalog and fills the basket until it
// answers, or a budget runs out and the turn is aborted.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/cartwright/internal/basket"
	"github.com/nugget/cartwright/internal/catalog"
	"github.com/nugget/cartwright/internal/checkout"
	"github.com/nugget/cartwright/internal/events"
	"github.com/nugget/cartwright/internal/llm"
	"github.com/nugget/cartwright/internal/prompts"
	"github.com/nugget/cartwright/internal/retry"
	"github.com/nugget/cartwright/internal/session"
	"github.com/nugget/cartwright/internal/tools"
	"github.com/nugget/cartwright/internal/usage"
)

// State is a turn's position in the loop.
type State string

const (
	StateAwaitingModel State = "AWAITING_MODEL"
	StateToolRequested State = "TOOL_REQUESTED"
	StateAnswered      State = "ANSWERED"
	StateAborted       State = "ABORTED"
)

// Abort causes. Reply.Reason carries the matching reason string.
var (
	ErrLoopBudgetExceeded = errors.New("tool call budget exceeded")
	ErrMalformedOutput    = errors.New("too many malformed model outputs")
	ErrModelUnavailable   = errors.New("model unavailable")
)

// Reason returns the reply reason for an abort cause.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrLoopBudgetExceeded):
		return prompts.ReasonLoopBudget
	case errors.Is(err, ErrMalformedOutput):
		return prompts.ReasonMalformedOutput
	case errors.Is(err, ErrModelUnavailable):
		return prompts.ReasonModelUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return prompts.ReasonDeadline
	case errors.Is(err, context.Canceled):
		return prompts.ReasonCanceled
	}
	return ""
}

// Reply is the outcome of a turn.
type Reply struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
	// CheckoutURL is set when the turn was answered with a non-empty
	// basket.
	CheckoutURL string        `json:"checkout_url,omitempty"`
	State       State         `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	Basket      []basket.Line `json:"basket,omitempty"`
	Total       float64       `json:"total"`
	Rounds      int           `json:"rounds"`
}

// Config bounds a turn. Zero budgets, backoffs and timeout take the
// defaults below; zero retries means no retries.
type Config struct {
	MaxRounds    int
	MaxMalformed int
	ModelRetries int
	ToolRetries  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	TurnTimeout  time.Duration
}

// Defaults.
const (
	DefaultMaxRounds    = 8
	DefaultMaxMalformed = 3
	DefaultModelRetries = 2
	DefaultToolRetries  = 2
	DefaultBackoffBase  = 500 * time.Millisecond
	DefaultBackoffMax   = 5 * time.Second
	DefaultTurnTimeout  = 90 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.MaxMalformed <= 0 {
		c.MaxMalformed = DefaultMaxMalformed
	}
	if c.ModelRetries < 0 {
		c.ModelRetries = 0
	}
	if c.ToolRetries < 0 {
		c.ToolRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	return c
}

// UsageRecorder persists per-call token usage. *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop runs turns. It holds no per-conversation state and is safe for
// concurrent use across sessions.
type Loop struct {
	model    Model
	registry *tools.Registry
	renderer checkout.Builder
	cfg      Config
	bus      *events.Bus
	usage    UsageRecorder
	logger   *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithEventBus publishes turn progress on b.
func WithEventBus(b *events.Bus) Option {
	return func(lp *Loop) { lp.bus = b }
}

// WithUsageRecorder records token usage after every model call.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(lp *Loop) { lp.usage = r }
}

// NewLoop returns a loop over model and registry. renderer turns the
// basket into a checkout URL when a turn is answered.
func NewLoop(model Model, registry *tools.Registry, renderer checkout.Builder, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		model:    model,
		registry: registry,
		renderer: renderer,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agent")
	return l
}

// Config returns the effective limits.
func (l *Loop) Config() Config {
	return l.cfg
}

// turn is the bookkeeping of one Run.
type turn struct {
	id        string
	sess      *session.Session
	log       *slog.Logger
	start     time.Time
	rounds    int
	malformed int
	tokensIn  int
	tokensOut int
	state     State
}

// Run drives one turn for sess with the user's text. The caller must
// hold the session's turn. Run never fails because of the model or the
// tools: such failures end the turn in StateAborted with a Reason. An
// error is returned only for invalid arguments.
func (l *Loop) Run(ctx context.Context, sess *session.Session, text string) (*Reply, error) {
	if sess == nil {
		return nil, errors.New("agent: nil session")
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()
	ctx = tools.WithSession(ctx, sess)

	t := &turn{
		id:    newTurnID(),
		sess:  sess,
		start: time.Now(),
		state: StateAwaitingModel,
	}
	t.log = l.logger.With("conversation_id", sess.ID, "turn_id", t.id)

	sess.SetRounds(0)
	sess.Append(session.Message{Role: session.RoleUser, Content: text})
	t.log.Info("turn started", "text_len", len(text), "history", sess.Len())
	l.publish(t, events.KindTurnStart, nil)

	defs := l.registry.Definitions()
	for {
		out, err := l.invokeModel(ctx, t, defs)
		if err != nil {
			if ctx.Err() != nil {
				return l.abort(t, ctx.Err()), nil
			}
			t.log.Error("model unavailable", "error", err)
			return l.abort(t, fmt.Errorf("%w: %w", ErrModelUnavailable, err)), nil
		}

		switch out.Kind {
		case OutputMalformed:
			t.malformed++
			l.recordMalformed(t, out)
			if t.malformed >= l.cfg.MaxMalformed {
				return l.abort(t, ErrMalformedOutput), nil
			}

		case OutputFinal:
			t.malformed = 0
			sess.Append(session.Message{Role: session.RoleAgent, Content: out.Text})
			return l.answer(ctx, t, out.Text), nil

		case OutputToolCalls:
			t.malformed = 0
			t.state = StateToolRequested
			if err := l.runTools(ctx, t, out); err != nil {
				return l.abort(t, err), nil
			}
			t.state = StateAwaitingModel
		}
	}
}

// invokeModel calls the model with retries and records token usage.
func (l *Loop) invokeModel(ctx context.Context, t *turn, defs []tools.Definition) (Output, error) {
	l.publish(t, events.KindModelCall, map[string]any{"round": t.rounds})

	policy := retry.Policy{
		Retries:     l.cfg.ModelRetries,
		Base:        l.cfg.BackoffBase,
		Max:         l.cfg.BackoffMax,
		ShouldRetry: retryableModelError,
		OnRetry: func(n int, err error) {
			t.log.Warn("model call failed, retrying", "retry", n, "error", err)
		},
	}
	history := t.sess.Messages()
	out, err := retry.Do(ctx, policy, func(ctx context.Context) (Output, error) {
		return await(ctx, func(ctx context.Context) (Output, error) {
			return l.model.Invoke(ctx, history, defs)
		})
	})
	if err != nil {
		return Output{}, err
	}

	t.tokensIn += out.InputTokens
	t.tokensOut += out.OutputTokens
	t.log.Info("model call complete",
		"model", out.Model,
		"kind", out.Kind,
		"tool_calls", len(out.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	if l.usage != nil {
		rec := usage.Record{
			TurnID:         t.id,
			ConversationID: t.sess.ID,
			Model:          out.Model,
			Provider:       out.Provider,
			Round:          t.rounds,
			InputTokens:    out.InputTokens,
			OutputTokens:   out.OutputTokens,
		}
		if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
			t.log.Warn("failed to record usage", "error", err)
		}
	}
	return out, nil
}

// recordMalformed appends feedback for malformed output. Tool calls
// with unusable arguments are answered with error results so every
// call in the history keeps its result.
func (l *Loop) recordMalformed(t *turn, out Output) {
	feedback := prompts.MalformedFeedback(out.Problem)
	if len(out.ToolCalls) > 0 {
		calls := assignCallIDs(t, out.ToolCalls)
		t.sess.Append(session.Message{Role: session.RoleAgent, Content: out.Text, ToolCalls: calls})
		for _, c := range calls {
			t.sess.Append(session.Message{
				Role:       session.RoleToolResult,
				Content:    feedback,
				ToolCallID: c.ID,
				ToolName:   c.Name,
				IsError:    true,
			})
		}
		return
	}
	if out.Text != "" {
		t.sess.Append(session.Message{Role: session.RoleAgent, Content: out.Text})
	}
	t.sess.Append(session.Message{Role: session.RoleToolResult, Content: feedback, IsError: true})
}

// runTools executes the requested calls in order, one round each. It
// returns the abort cause when the round budget or the deadline runs
// out; unexecuted calls then get error results.
func (l *Loop) runTools(ctx context.Context, t *turn, out Output) error {
	calls := assignCallIDs(t, out.ToolCalls)
	t.sess.Append(session.Message{Role: session.RoleAgent, Content: out.Text, ToolCalls: calls})

	for i, call := range calls {
		if t.rounds >= l.cfg.MaxRounds {
			t.log.Warn("tool call budget exhausted", "rounds", t.rounds, "tool", call.Name)
			l.skipCalls(t, calls[i:], "not executed: tool call budget for this message is exhausted")
			return ErrLoopBudgetExceeded
		}
		if err := ctx.Err(); err != nil {
			l.skipCalls(t, calls[i:], "not executed: turn deadline exceeded")
			return err
		}

		t.rounds++
		t.sess.SetRounds(t.rounds)

		result, err := l.runTool(ctx, t, call)
		if err != nil && ctx.Err() != nil {
			l.skipCalls(t, calls[i:], "abandoned: turn deadline exceeded")
			return ctx.Err()
		}

		msg := session.Message{
			Role:       session.RoleToolResult,
			Content:    result,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		}
		if err != nil {
			msg.Content = "Error: " + err.Error()
			msg.IsError = true
		}
		t.sess.Append(msg)
	}
	return nil
}

// runTool executes one call, retrying catalog outages.
func (l *Loop) runTool(ctx context.Context, t *turn, call session.ToolCall) (string, error) {
	l.publish(t, events.KindToolCall, map[string]any{
		"tool":     call.Name,
		"round":    t.rounds,
		"progress": prompts.ProgressText(call.Name),
	})
	start := time.Now()

	policy := retry.Policy{
		Retries:     l.cfg.ToolRetries,
		Base:        l.cfg.BackoffBase,
		Max:         l.cfg.BackoffMax,
		ShouldRetry: retryableToolError,
		OnRetry: func(n int, err error) {
			t.log.Warn("tool call failed, retrying", "tool", call.Name, "retry", n, "error", err)
		},
	}
	result, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return await(ctx, func(ctx context.Context) (string, error) {
			return l.registry.Execute(ctx, call.Name, call.Arguments)
		})
	})

	elapsed := time.Since(start)
	if err != nil {
		t.log.Warn("tool call failed", "tool", call.Name, "error", err, "elapsed", elapsed)
	} else {
		t.log.Debug("tool call complete", "tool", call.Name, "result_len", len(result), "elapsed", elapsed)
	}
	l.publish(t, events.KindToolDone, map[string]any{
		"tool":        call.Name,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})
	return result, err
}

func (l *Loop) skipCalls(t *turn, calls []session.ToolCall, reason string) {
	for _, c := range calls {
		t.sess.Append(session.Message{
			Role:       session.RoleToolResult,
			Content:    reason,
			ToolCallID: c.ID,
			ToolName:   c.Name,
			IsError:    true,
		})
	}
}

// answer finishes an answered turn, rendering the checkout when the
// basket has anything in it.
func (l *Loop) answer(ctx context.Context, t *turn, text string) *Reply {
	t.state = StateAnswered
	reply := l.reply(t, text)

	if len(reply.Basket) > 0 && l.renderer != nil {
		art, err := l.renderer.Build(ctx, reply.Basket)
		switch {
		case err == nil:
			reply.CheckoutURL = art.URL
		case !errors.Is(err, checkout.ErrEmptyBasket):
			t.log.Error("checkout render failed", "error", err)
		}
	}

	l.complete(t, reply)
	return reply
}

// abort ends the turn with a degraded reply. The agent message keeps
// the history ending on an agent turn. Basket changes made before the
// abort are kept.
func (l *Loop) abort(t *turn, cause error) *Reply {
	t.state = StateAborted
	reason := Reason(cause)
	if reason == "" {
		reason = prompts.ReasonModelUnavailable
	}
	text := prompts.DegradedReply(reason)
	t.sess.Append(session.Message{Role: session.RoleAgent, Content: text})

	t.log.Warn("turn aborted", "reason", reason, "cause", cause, "rounds", t.rounds)
	reply := l.reply(t, text)
	reply.Reason = reason
	l.complete(t, reply)
	return reply
}

func (l *Loop) reply(t *turn, text string) *Reply {
	lines := t.sess.Basket.Lines()
	return &Reply{
		TurnID: t.id,
		Text:   text,
		State:  t.state,
		Basket: lines,
		Total:  basket.Total(lines),
		Rounds: t.rounds,
	}
}

func (l *Loop) complete(t *turn, r *Reply) {
	elapsed := time.Since(t.start)
	t.log.Info("turn complete",
		"state", r.State,
		"rounds", t.rounds,
		"basket_lines", len(r.Basket),
		"input_tokens", t.tokensIn,
		"output_tokens", t.tokensOut,
		"elapsed", elapsed,
	)
	l.publish(t, events.KindTurnComplete, map[string]any{
		"state":        string(r.State),
		"reason":       r.Reason,
		"rounds":       t.rounds,
		"basket_lines": len(r.Basket),
		"tokens_in":    t.tokensIn,
		"tokens_out":   t.tokensOut,
		"elapsed_ms":   elapsed.Milliseconds(),
	})
}

func (l *Loop) publish(t *turn, kind string, data map[string]any) {
	if l.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]any, 2)
	}
	data["turn_id"] = t.id
	data["conversation_id"] = t.sess.ID
	l.bus.Publish(events.Event{Source: events.SourceAgent, Kind: kind, Data: data})
}

// assignCallIDs fills in IDs the provider left empty so every tool
// result can name its call.
func assignCallIDs(t *turn, calls []session.ToolCall) []session.ToolCall {
	out := make([]session.ToolCall, len(calls))
	base := t.sess.Len()
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", base, i)
		}
		out[i] = c
	}
	return out
}

// await runs fn and returns its result, or ctx.Err() as soon as ctx
// ends. An abandoned call keeps running in its goroutine; its result is
// discarded.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// retryableModelError reports whether a model failure may clear up on
// its own. Provider errors are retried only for rate limits and server
// faults; transport errors always are.
func retryableModelError(err error) bool {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// retryableToolError reports whether a tool failure is a catalog outage.
func retryableToolError(err error) bool {
	var te *catalog.ToolError
	return errors.As(err, &te) && te.Temporary()
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
