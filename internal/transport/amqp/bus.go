package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Bus publishes to Exchange with the topic as routing key.
type Bus struct {
	conn *amqp.Connection
	log  *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

func NewBus(conn *amqp.Connection, log *zap.Logger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp: declare exchange: %w", err)
	}
	return &Bus{conn: conn, log: log, ch: ch}, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.publish(ctx, topic, data)
	if err == nil {
		return nil
	}

	// A channel is closed by the broker on any channel-level error; reopen once and retry.
	b.log.Warn("amqp: publish failed, reopening channel", zap.String("routing_key", topic), zap.Error(err))
	ch, chErr := b.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("amqp: reopen channel: %w", chErr)
	}
	if exErr := declareExchange(ch); exErr != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp: declare exchange: %w", exErr)
	}
	_ = b.ch.Close()
	b.ch = ch
	return b.publish(ctx, topic, data)
}

func (b *Bus) publish(ctx context.Context, topic string, data []byte) error {
	return b.ch.PublishWithContext(ctx,
		Exchange, // exchange
		topic,    // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         data,
		},
	)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.Close()
}
