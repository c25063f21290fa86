/**
 * @description
 * This package provides the RabbitMQ plumbing of the bank service: a producer that
 * publishes JSON domain events (payments, consents, interbank transfers, capital) to a
 * durable topic exchange, and a consumer that dispatches deliveries by routing key.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) Close() {}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
// The channel is replaced once on failure, so access goes through mu.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("level=info component=rabbitmq_producer msg=\"connected\" url=%s", redactURL(cleanURL))
	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, body []byte) error {
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
		p.declared[exchange] = true
	}
	return p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Publish marshals body to JSON and sends it to exchange with routingKey. A failed
// attempt reopens the channel and retries once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)

	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return p.publishLocked(ctx, exchange, routingKey, jsonBody)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
