// Package events ships delivery events from the in-process bus to an AMQP
// topic exchange.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	logx "hookrelay/pkg/logx"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Meta describes one published event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

type Config struct {
	Enabled  bool
	URL      string
	Exchange string
	Producer string
}

type amqpPublisher struct {
	conn     *amqp.Connection
	exchange string
	log      logx.Logger
}

// NewAMQP dials the broker and declares a durable topic exchange.
func NewAMQP(url, exchange string, log logx.Logger) (Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &amqpPublisher{conn: conn, exchange: exchange, log: log}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	id := msg.Meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	cid := ""
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     id,
		CorrelationId: cid,
		Timestamp:     msg.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return err
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		p.log.Warn("event nacked by broker", logx.String("key", key), logx.String("id", id))
		return nil
	}
	p.log.Debug("event published", logx.String("key", key), logx.String("exchange", p.exchange))
	return nil
}

func (p *amqpPublisher) Close() error { return p.conn.Close() }

// FallbackPublisher logs and drops. It stands in when events are disabled or
// the broker could not be reached at startup.
type FallbackPublisher struct {
	log logx.Logger
}

func NewFallback(log logx.Logger) Publisher { return &FallbackPublisher{log: log} }

func (p *FallbackPublisher) Publish(_ context.Context, key string, _ Envelope) error {
	p.log.Debug("event skipped", logx.String("key", key))
	return nil
}

func (p *FallbackPublisher) Close() error { return nil }

// Open returns the AMQP publisher when enabled and reachable, else the fallback.
func Open(cfg Config, log logx.Logger) Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Enabled || strings.TrimSpace(cfg.URL) == "" {
		return NewFallback(log)
	}
	pub, err := NewAMQP(cfg.URL, cfg.Exchange, log)
	if err != nil {
		log.Warn("amqp unavailable; events will be dropped", logx.String("exchange", cfg.Exchange), logx.Err(err))
		return NewFallback(log)
	}
	log.Info("amqp publisher ready", logx.String("exchange", cfg.Exchange))
	return pub
}
