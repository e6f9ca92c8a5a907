// Package events mirrors normalized inbound messages to a RabbitMQ
// exchange for external consumers (analytics, CRM sync). Mirroring is
// best-effort: a broker outage never blocks or fails ingestion.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/averden/switchboard/internal/config"
	"github.com/averden/switchboard/internal/models"
)

const routingKeyInbound = "message.inbound"

// InboundPayload is the wire shape published for each inbound message.
type InboundPayload struct {
	AccountID      uint      `json:"account_id"`
	ConversationID uint      `json:"conversation_id"`
	MessageID      uint      `json:"message_id"`
	RemoteID       string    `json:"remote_id,omitempty"`
	Kind           string    `json:"kind"`
	Text           string    `json:"text,omitempty"`
	SenderRemoteID string    `json:"sender_remote_id,omitempty"`
	SenderName     string    `json:"sender_name,omitempty"`
	RemoteDate     time.Time `json:"remote_date"`
}

// Publisher pushes payloads to the configured exchange. A disabled
// Publisher swallows everything silently.
type Publisher struct {
	enabled  bool
	url      string
	exchange string
	log      zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New creates a Publisher. With events disabled in the config it returns
// a no-op instance, so callers never branch.
func New(cfg config.EventsConfig, log zerolog.Logger) *Publisher {
	return &Publisher{
		enabled:  cfg.Enabled,
		url:      cfg.URL,
		exchange: cfg.Exchange,
		log:      log,
	}
}

// Enabled reports whether publishing is configured.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishInbound implements the ingest mirror. Broker errors are logged
// and reported but the connection is reset for the next attempt rather
// than retried inline.
func (p *Publisher) PublishInbound(accountID uint, msg *models.Message) error {
	if !p.enabled {
		return nil
	}
	payload := InboundPayload{
		AccountID:      accountID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Kind:           msg.Kind,
		Text:           msg.Text,
		SenderRemoteID: msg.SenderRemoteID,
		SenderName:     msg.SenderName,
		RemoteDate:     msg.RemoteDate,
	}
	if msg.RemoteID != nil {
		payload.RemoteID = *msg.RemoteID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.Publish(p.exchange, routingKeyInbound, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// channel returns the live channel, dialing and declaring the exchange
// on first use or after a reset. Callers hold p.mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("events: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", p.exchange, err)
	}
	p.conn = conn
	p.ch = ch
	p.log.Info().Str("exchange", p.exchange).Msg("event mirror connected")
	return ch, nil
}

// reset drops the broken connection so the next publish redials.
// Callers hold p.mu.
func (p *Publisher) reset() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close shuts the broker connection down.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}
