// Package broker wraps the AMQP channel operations used by websocket
// sessions and by the price publisher.
package broker

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// ErrBrokerUnavailable is returned when a channel or queue operation needed
// to start a session fails.
var ErrBrokerUnavailable = errors.New("broker unavailable")

const bindAll = "#"

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Close() error
}

// Compile-time check to ensure the streadway channel satisfies Channel
var _ Channel = (*amqp.Channel)(nil)

// ExchangeDeclarer is the subset of *amqp.Channel needed to declare an exchange.
type ExchangeDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// DeclareExchange declares the durable topic exchange prices are published
// to and session queues bind to. Declaring an existing exchange with the same
// arguments is a no-op, so every process that binds or publishes calls it.
func DeclareExchange(ch ExchangeDeclarer, name string) error {
	if name == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange %s: %v", ErrBrokerUnavailable, name, err)
	}
	return nil
}

// Client is a per-session view of one broker channel.
type Client struct {
	ch       Channel
	exchange string
	logger   *zap.Logger
}

// NewClient wraps ch. When exchange is not empty every declared queue is
// bound to it so that published prices reach the session.
func NewClient(ch Channel, exchange string, logger *zap.Logger) *Client {
	return &Client{ch: ch, exchange: exchange, logger: logger}
}

// DeclareExclusiveQueue creates a non-durable, auto-delete, exclusive queue.
func (c *Client) DeclareExclusiveQueue(name string) error {
	if _, err := c.ch.QueueDeclare(name, false, true, true, false, nil); err != nil {
		return fmt.Errorf("%w: declare queue %s: %v", ErrBrokerUnavailable, name, err)
	}

	if c.exchange == "" {
		return nil
	}
	if err := c.ch.QueueBind(name, bindAll, c.exchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind queue %s to %s: %v", ErrBrokerUnavailable, name, c.exchange, err)
	}
	return nil
}

// StartConsumer registers a consumer with a tag unique to this call and
// returns its delivery stream. Deliveries must be acknowledged with Ack.
func (c *Client) StartConsumer(queue string) (<-chan amqp.Delivery, string, error) {
	tag := queue + ":" + uuid.NewString()
	deliveries, err := c.ch.Consume(queue, tag, false, true, false, false, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: consume %s: %v", ErrBrokerUnavailable, queue, err)
	}
	return deliveries, tag, nil
}

// CancelConsumer stops the deliveries for tag; the stream is closed by the
// library once the broker confirms.
func (c *Client) CancelConsumer(tag string) {
	if err := c.ch.Cancel(tag, false); err != nil {
		c.logger.Warn("Failed to cancel consumer", zap.String("consumer", tag), zap.Error(err))
	}
}

// Ack acknowledges a delivery. Failures are logged; the broker will redeliver
// or expire the message on its own.
func (c *Client) Ack(d amqp.Delivery) {
	if err := c.ch.Ack(d.DeliveryTag, false); err != nil {
		c.logger.Error("Failed to ack message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

// DeleteQueue is best-effort.
func (c *Client) DeleteQueue(name string) {
	if _, err := c.ch.QueueDelete(name, false, false, false); err != nil {
		c.logger.Warn("Failed to delete queue", zap.String("queue", name), zap.Error(err))
	}
}

func (c *Client) Close() error {
	return c.ch.Close()
}
