package amqp

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"chartcredits/internal/repository"
)

// Subscriber consumes from a durable queue named after the group, so every
// subscriber in the group shares one queue.
type Subscriber struct {
	conn *amqp.Connection
	log  *zap.Logger
}

func NewSubscriber(conn *amqp.Connection, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{conn: conn, log: log}
}

// Subscribe blocks until ctx is cancelled. A handler error nacks the delivery
// with requeue.
func (s *Subscriber) Subscribe(ctx context.Context, topic, group string, handler repository.MessageHandler) error {
	log := s.log.With(zap.String("routing_key", topic), zap.String("queue", group))

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: open channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch); err != nil {
		return fmt.Errorf("amqp: declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(group, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: declare queue %s: %w", group, err)
	}
	if err := ch.QueueBind(q.Name, topic, Exchange, false, nil); err != nil {
		return fmt.Errorf("amqp: bind queue %s: %w", group, err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("amqp: set qos: %w", err)
	}

	consumerTag := group + "-" + topic
	msgs, err := ch.Consume(q.Name, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: consume %s: %w", group, err)
	}

	log.Info("amqp subscriber is running")

	for {
		select {
		case <-ctx.Done():
			log.Info("amqp subscriber shutting down")
			if err := ch.Cancel(consumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				return err
			}
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp: delivery channel closed")
			}
			if err := handler(ctx, d.Body); err != nil {
				log.Error("amqp: message handler failed, requeueing", zap.Error(err))
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
