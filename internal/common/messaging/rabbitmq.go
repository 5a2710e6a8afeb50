// Package messaging publishes and consumes JSON messages on RabbitMQ topic
// exchanges.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"notification-dispatch/internal/common/logger"
)

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Connection owns the broker connection the publishers and consumers share.
type Connection struct {
	conn *amqp.Connection
}

func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return &Connection{conn: conn}, nil
}

// Channel opens a new AMQP channel.
func (c *Connection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (c *Connection) IsClosed() bool {
	return c.conn == nil || c.conn.IsClosed()
}

func (c *Connection) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Publisher sends persistent JSON messages to one topic exchange.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
	logger   logger.Logger
}

// NewPublisher declares exchange as a durable topic exchange on ch.
func NewPublisher(ch Channel, exchange string, log logger.Logger) (*Publisher, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   log.WithFields(map[string]interface{}{"component": "rabbitmq-publisher", "exchange": exchange}),
	}, nil
}

// PublishJSON marshals v and publishes it under routingKey. messageID is
// carried as the AMQP message id so consumers can deduplicate.
func (p *Publisher) PublishJSON(ctx context.Context, routingKey, messageID string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	p.logger.Debug("published", map[string]interface{}{"routingKey": routingKey, "messageId": messageID})
	return nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

// Handler processes one delivery. A nil error acks it.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Consumer binds a durable queue to an exchange and feeds a handler.
type Consumer struct {
	ch       Channel
	exchange string
	queue    string
	keys     []string
	prefetch int
	logger   logger.Logger
}

func NewConsumer(ch Channel, exchange, queue string, keys []string, prefetch int, log logger.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Consumer{
		ch:       ch,
		exchange: exchange,
		queue:    queue,
		keys:     keys,
		prefetch: prefetch,
		logger:   log.WithFields(map[string]interface{}{"component": "rabbitmq-consumer", "queue": queue}),
	}
}

// Run declares the topology and consumes until ctx is cancelled or the
// delivery channel closes. Failed deliveries are requeued once, then dropped.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	if err := c.ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.exchange, err)
	}
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	q, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	for _, key := range c.keys {
		if err := c.ch.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	c.logger.Info("consumer started", nil)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := handle(ctx, d); err != nil {
				c.logger.Warn("handler failed", map[string]interface{}{
					"messageId":   d.MessageId,
					"redelivered": d.Redelivered,
					"error":       err.Error(),
				})
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
