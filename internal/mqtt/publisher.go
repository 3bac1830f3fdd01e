package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/cartwright/internal/config"
	"github.com/nugget/cartwright/internal/events"
)

// subscriberBuffer is the bus channel depth for the mirror. Events
// beyond it are dropped by the bus while the broker is slow.
const subscriberBuffer = 256

// Publisher manages the MQTT connection and forwards every event
// published on the bus to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger
	cm         atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cartwright"
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the broker and mirrors bus events until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	keepAlive := uint16(30)
	if p.cfg.KeepAlive > 0 {
		keepAlive = uint16(p.cfg.KeepAlive / time.Second)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAlive,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.forward(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. The provided context bounds
// the publish and disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Ping satisfies the API health check contract.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.AwaitConnection(ctx)
}

func (p *Publisher) forward(ctx context.Context) {
	ch := p.bus.Subscribe(subscriberBuffer)
	defer p.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			for _, msg := range p.messagesFor(e) {
				p.publish(ctx, msg)
			}
		}
	}
}

// message is one outbound MQTT publish.
type message struct {
	topic   string
	payload []byte
	retain  bool
}

// messagesFor maps an event to its broker messages. Every event goes to
// the per-source topic. Events carrying a conversation ID are also
// published under that conversation, and a completed turn is retained
// there as the conversation's last known state.
func (p *Publisher) messagesFor(e events.Event) []message {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("mqtt event marshal failed", "kind", e.Kind, "error", err)
		return nil
	}

	msgs := []message{{topic: p.eventTopic(e), payload: payload}}
	if conv, ok := e.Data["conversation_id"].(string); ok && conv != "" {
		msgs = append(msgs, message{
			topic:   p.conversationTopic(conv, e.Kind),
			payload: payload,
			retain:  e.Kind == events.KindTurnComplete,
		})
	}
	return msgs
}

func (p *Publisher) publish(ctx context.Context, msg message) {
	cm := p.cm.Load()
	if cm == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   msg.topic,
		Payload: msg.payload,
		QoS:     0,
		Retain:  msg.retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", msg.topic, "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "state", state, "error", err)
	}
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	if p.instanceID == "" {
		return "cartwright"
	}
	return "cartwright-" + p.instanceID
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) eventTopic(e events.Event) string {
	return p.cfg.TopicPrefix + "/events/" + topicSegment(e.Source) + "/" + topicSegment(e.Kind)
}

func (p *Publisher) conversationTopic(conversationID, kind string) string {
	return p.cfg.TopicPrefix + "/conversations/" + topicSegment(conversationID) + "/" + topicSegment(kind)
}

// topicSegment makes s safe for use as one topic level. Separators,
// wildcards, colons and spaces become underscores, so the WhatsApp
// identity "whatsapp:+3161" becomes "whatsapp__3161".
func topicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ':', ' ':
			return '_'
		}
		return r
	}, s)
}
