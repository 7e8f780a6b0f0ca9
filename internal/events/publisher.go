package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

// DefaultExchange is the topic exchange session events are published to
const DefaultExchange = "quiz.sessions"

var ErrPublisherClosed = errors.New("event publisher closed")

// Publisher delivers session lifecycle events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, ev models.SessionEvent) error
	Close() error
}

// RoutingKey returns the topic routing key for an event type, e.g. "session.submitted"
func RoutingKey(eventType string) string {
	return "session." + strings.ReplaceAll(eventType, "_", ".")
}

// RabbitPublisher publishes JSON events to a RabbitMQ topic exchange.
// Consumers bind queues with patterns such as "session.#" or "session.submitted".
type RabbitPublisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewRabbitPublisher connects and declares a durable topic exchange
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	slog.Info("rabbitmq publisher ready", "exchange", exchange)

	return &RabbitPublisher{
		exchange: exchange,
		conn:     conn,
		channel:  ch,
	}, nil
}

// Publish sends one persistent message. amqp channels are not safe for
// concurrent publishing so calls are serialized.
func (p *RabbitPublisher) Publish(ctx context.Context, ev models.SessionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(ev.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.At,
			Type:         ev.Type,
			AppId:        "quiz-engine",
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Close closes the channel and connection
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	chErr := p.channel.Close()
	connErr := p.conn.Close()
	return errors.Join(chErr, connErr)
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.SessionEvent) error { return nil }

func (NopPublisher) Close() error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (r *Recorder) Publish(_ context.Context, ev models.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far
func (r *Recorder) Events() []models.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SessionEvent(nil), r.events...)
}

// Types returns the published event types in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}
