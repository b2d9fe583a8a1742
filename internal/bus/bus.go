// Package bus implements the payload-agnostic event bus: Publish/Subscribe
// fan-out plus a blocking Request/response pattern, backed either by
// process-local channels (tests, USE_REDIS_BUS=false) or Redis Streams
// consumer groups (production).
package bus

import (
	"context"
	"time"
)

// Message is the wire envelope for one topic delivery. Payload is an
// opaque string (typically JSON); the bus never interprets it — A2A,
// outcomes, and rate-limit degradation notices are all just payloads on
// different topics.
type Message struct {
	Topic     string
	ID        string
	Payload   string
	CreatedAt time.Time
}

// Handler processes one delivered message. Returning an error leaves the
// message unacknowledged so it can be retried or claimed by another
// consumer.
type Handler func(ctx context.Context, msg Message) error

// Bus is the event bus contract shared by MemoryBus and RedisBus.
type Bus interface {
	// Publish appends msg to topic.
	Publish(ctx context.Context, topic string, payload string) (Message, error)
	// Subscribe starts a consumer group worker pool for topic and calls fn
	// for each delivered message until ctx is canceled.
	Subscribe(ctx context.Context, topic, group string, workers int, fn Handler) error
	// Request publishes to topic and blocks until a response keyed by the
	// published message's ID arrives or timeout elapses.
	Request(ctx context.Context, topic, payload string, timeout time.Duration) (string, error)
	// Respond delivers a response payload to whoever is blocked in
	// Request for the given message ID.
	Respond(ctx context.Context, messageID, payload string) error
	Close() error
}
