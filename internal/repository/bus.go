package repository

import "context"

// MessageBus publishes serialized events to a topic.
type MessageBus interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// MessageHandler processes one delivery. Returning an error asks the
// transport to redeliver when it supports that.
type MessageHandler func(ctx context.Context, data []byte) error

// Subscriber delivers messages from topic to handler, sharing the work with
// every other subscriber in the same group. Subscribe blocks until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error
}
