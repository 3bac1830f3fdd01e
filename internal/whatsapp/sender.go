package whatsapp

import (
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// maxMessageLength is Twilio's body limit for one message.
const maxMessageLength = 1600

// Sender delivers an outbound message to a WhatsApp identity.
type Sender interface {
	Send(to, body string) error
}

// TwilioSender sends messages through the Twilio REST API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioSender creates a sender for the given account. from is the
// WhatsApp-enabled Twilio number; the whatsapp: prefix is added when
// missing.
func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	return &TwilioSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from: formatPhoneNumber(from),
	}
}

// Send delivers body to the identity, truncated to the Twilio limit.
func (t *TwilioSender) Send(to, body string) error {
	to = formatPhoneNumber(to)
	body = truncate(body, maxMessageLength)

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(body)

	if _, err := t.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("send whatsapp message to %s: %w", to, err)
	}
	return nil
}

// formatPhoneNumber normalizes a number to "whatsapp:+<digits>".
func formatPhoneNumber(phone string) string {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "whatsapp:")

	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' || r == '+' {
			b.WriteRune(r)
		}
	}
	phone = b.String()
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return "whatsapp:" + phone
}

// truncate shortens s to at most n runes, marking the cut with an
// ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
