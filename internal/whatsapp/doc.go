// Package whatsapp connects the shopping agent to WhatsApp through
// Twilio. Inbound messages arrive on a webhook, run as one agent turn
// keyed by the sender's WhatsApp identity, and the reply is sent back
// through the Twilio Messages API.
package whatsapp
