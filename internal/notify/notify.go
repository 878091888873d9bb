// Package notify publishes hub events to downstream consumers (email,
// push, analytics) over AMQP. Publishing is best-effort: a failed publish
// is logged and never blocks message routing.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/config"
)

// Event names carried as AMQP routing keys under "support.".
const (
	EventMessageUnclaimed = "message.unclaimed" // customer message with no live staff
	EventAssignment       = "assignment"
	EventCustomerOffline  = "customer.offline"
)

// Event is the payload published for every notification.
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	OccurredAt time.Time      `json:"occurred_at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Publisher emits hub events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, name string, fields map[string]any)
	Close() error
}

// New creates a publisher from config. An empty AMQP URL disables
// publishing.
func New(cfg config.NotifyConfig, logger *slog.Logger) (Publisher, error) {
	if cfg.AMQPURL == "" {
		return NopPublisher{}, nil
	}
	return NewAMQP(cfg.AMQPURL, cfg.Exchange, logger)
}

// NopPublisher drops all events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, name string, fields map[string]any) {}
func (NopPublisher) Close() error                                                    { return nil }

// AMQPPublisher publishes events to a topic exchange.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQP connects to the broker and declares the topic exchange.
func NewAMQP(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "notify"),
	}, nil
}

// Publish emits one event with routing key "support.<name>". Errors are
// logged, not returned: routing never waits on the broker.
func (p *AMQPPublisher) Publish(ctx context.Context, name string, fields map[string]any) {
	event := Event{
		ID:         uuid.NewString(),
		Name:       name,
		OccurredAt: time.Now(),
		Fields:     fields,
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal event", "name", name, "error", err)
		return
	}

	ch, err := p.conn.Channel()
	if err != nil {
		p.logger.Warn("open channel", "error", err)
		return
	}
	defer ch.Close()

	key := "support." + name
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Warn("publish failed", "key", key, "error", err)
		return
	}
	p.logger.Debug("published", "key", key)
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}
