package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"chartcredits/internal/repository"
)

// Subscriber delivers NATS messages to a handler through a queue group, so
// each message reaches one member of the group.
type Subscriber struct {
	nc  *nats.Conn
	log *zap.Logger
}

func NewSubscriber(nc *nats.Conn, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{nc: nc, log: log}
}

// Subscribe blocks until ctx is cancelled, then drains the subscription so
// in-progress messages finish. Core NATS has no redelivery: handler errors
// are logged and the message is dropped.
func (s *Subscriber) Subscribe(ctx context.Context, topic, group string, handler repository.MessageHandler) error {
	log := s.log.With(zap.String("topic", topic), zap.String("group", group))

	sub, err := s.nc.QueueSubscribe(topic, group, func(m *nats.Msg) {
		if err := handler(ctx, m.Data); err != nil {
			log.Error("nats: message handler failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe to %s: %w", topic, err)
	}

	log.Info("nats subscriber is running")

	<-ctx.Done()
	log.Info("nats subscriber shutting down, draining subscription")
	return sub.Drain()
}
