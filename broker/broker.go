// Package broker wraps the partitioned, replicated, ordered log used to
// carry events and actions between pipeline stages.
package broker

import "context"

// Message is a single record read from a topic partition.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
}

// Handler processes one message. Returning an error leaves the message
// unacknowledged so the consumer group redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Publisher writes keyed messages to a topic. Messages sharing a key are
// guaranteed to land on the same partition, preserving per-key ordering.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Subscriber consumes a topic as part of a named consumer group, invoking
// handler once per message and committing the offset only after handler
// returns nil.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, groupID string, handler Handler) error
	Close() error
}
