package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/twilio/twilio-go/client"

	"github.com/nugget/cartwright/internal/agent"
	"github.com/nugget/cartwright/internal/prompts"
	"github.com/nugget/cartwright/internal/session"
)

// emptyTwiML acknowledges a webhook without an inline reply. Replies go
// out through the REST API once the turn finishes.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Agent runs one turn for an identity.
type Agent interface {
	Handle(ctx context.Context, identity, text string) (*agent.Reply, error)
}

// Config controls the webhook.
type Config struct {
	// AuthToken validates X-Twilio-Signature when WebhookURL is set.
	AuthToken string
	// WebhookURL is the public URL configured in the Twilio console.
	WebhookURL string
	// TurnTimeout bounds one turn after the webhook has been
	// acknowledged. Zero means 2 minutes.
	TurnTimeout time.Duration
}

// Webhook receives Twilio message callbacks.
type Webhook struct {
	cfg       Config
	agent     Agent
	sender    Sender
	validator *client.RequestValidator
	logger    *slog.Logger

	// base parents background turns so they end with the process.
	base context.Context
	wg   sync.WaitGroup
}

// NewWebhook creates a webhook. Turns run detached from the HTTP request
// under base, so Twilio gets its acknowledgement before the model
// answers.
func NewWebhook(base context.Context, cfg Config, a Agent, sender Sender, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	w := &Webhook{
		cfg:    cfg,
		agent:  a,
		sender: sender,
		logger: logger.With("component", "whatsapp"),
		base:   base,
	}
	if cfg.WebhookURL != "" && cfg.AuthToken != "" {
		v := client.NewRequestValidator(cfg.AuthToken)
		w.validator = &v
	}
	return w
}

// Routes mounts the webhook on r.
func (h *Webhook) Routes(r chi.Router) {
	r.Post("/twilio/webhook", h.handle)
}

// Wait blocks until every background turn has replied.
func (h *Webhook) Wait() {
	h.wg.Wait()
}

func (h *Webhook) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	if h.validator != nil && !h.validSignature(r) {
		h.logger.Warn("rejected webhook with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}
	identity := formatPhoneNumber(from)

	h.logger.Info("whatsapp message received",
		"conversation_id", identity,
		"message_sid", r.PostForm.Get("MessageSid"),
		"length", len(body),
	)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(identity, body)
	}()

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (h *Webhook) validSignature(r *http.Request) bool {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return h.validator.Validate(h.cfg.WebhookURL, params, r.Header.Get("X-Twilio-Signature"))
}

// process runs the turn and sends its outcome back to the identity.
func (h *Webhook) process(identity, body string) {
	ctx, cancel := context.WithTimeout(h.base, h.cfg.TurnTimeout)
	defer cancel()

	reply, err := h.agent.Handle(ctx, identity, body)
	var text string
	switch {
	case errors.Is(err, session.ErrBusy):
		text = prompts.Busy
	case err != nil:
		h.logger.Error("whatsapp turn failed", "conversation_id", identity, "error", err)
		text = prompts.DegradedReply(agent.Reason(err))
	default:
		text = FormatReply(reply)
	}

	if err := h.sender.Send(identity, text); err != nil {
		h.logger.Error("whatsapp reply failed", "conversation_id", identity, "error", err)
		return
	}
	h.logger.Debug("whatsapp reply sent", "conversation_id", identity, "length", len(text))
}

// FormatReply renders a reply as one plain-text message with the
// checkout link on its own line.
func FormatReply(r *agent.Reply) string {
	if r == nil {
		return ""
	}
	text := strings.TrimSpace(r.Text)
	if r.CheckoutURL == "" || strings.Contains(text, r.CheckoutURL) {
		return text
	}
	if text == "" {
		return r.CheckoutURL
	}
	return text + "\n\n" + r.CheckoutURL
}
