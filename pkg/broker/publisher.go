package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// PublishChannel is the subset of *amqp.Channel needed to publish prices.
type PublishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ PublishChannel = (*amqp.Channel)(nil)

// Publisher sends JSON bodies to a topic exchange. Session queues bind to the
// same exchange with "#", so every live session receives every price.
type Publisher struct {
	ch       PublishChannel
	exchange string
	mu       sync.Mutex // amqp channels are not safe for concurrent publishes
}

func NewPublisher(ch PublishChannel, exchange string) (*Publisher, error) {
	if err := DeclareExchange(ch, exchange); err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, exchange: exchange}, nil
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Publish(p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s/%s: %w", p.exchange, routingKey, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
