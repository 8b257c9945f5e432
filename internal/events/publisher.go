package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeName = "grocery.events"
	exchangeType = "topic"
	eventVersion = "1.0.0"

	TypeItemCreated       = "grocery.item.created"
	TypeItemDeleted       = "grocery.item.deleted"
	TypeInventoryAdjusted = "grocery.inventory.adjusted"
	TypeOrderBooked       = "grocery.order.booked"
)

// Event is the JSON envelope published for every change.
type Event struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	EventVersion string         `json:"event_version"`
	Timestamp    string         `json:"timestamp"`
	Payload      map[string]any `json:"payload"`
}

// NewEvent stamps payload with a fresh id and the current time.
func NewEvent(eventType string, payload map[string]any) Event {
	return Event{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: eventVersion,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Payload:      payload,
	}
}

// Publisher sends events to a durable topic exchange, using the event type as
// the routing key.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	appID   string
	log     *zap.Logger
}

// NewPublisher dials RabbitMQ and declares the exchange.
func NewPublisher(url, appID string, log *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info("Connected to RabbitMQ", zap.String("exchange", exchangeName))

	return &Publisher{conn: conn, channel: channel, appID: appID, log: log}, nil
}

// Publish marshals event and sends it as a persistent message.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		exchangeName,
		event.EventType,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			AppId:        p.appID,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.EventType, err)
	}

	p.log.Debug("Event published", zap.String("event_type", event.EventType), zap.String("event_id", event.EventID))
	return nil
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Discard drops every event. It is used when RABBITMQ_URL is unset.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
