package rabbitmq

import (
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Returning false re-queues the message.
type Handler func([]byte) bool

// Consumer owns a connection and channel dedicated to inbound deliveries.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares exchange and a durable queue, binds each routing key and
// dispatches deliveries to its handler in a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			dispatch(handlers, d)
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()

	return nil
}

func dispatch(handlers map[string]Handler, d amqp.Delivery) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" routing_key=%s", d.RoutingKey)
		_ = d.Ack(false)
		return
	}
	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}
	// Redelivered messages that still fail are dropped rather than looping forever.
	if d.Redelivered {
		log.Printf("level=error component=rabbitmq_consumer msg=\"handler failed on redelivery; dropping\" routing_key=%s", d.RoutingKey)
		_ = d.Nack(false, false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s", d.RoutingKey)
	_ = d.Nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
