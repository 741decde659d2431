package broker

import (
	"context"
	"time"
)

// Topic names. Consumers must honor this convention: the bare name is the
// ephemeral pub/sub channel, the ".stream" variant is the durable stream.
const (
	TopicQuotes = "quotes"
	TopicTicks  = "ticks"

	streamSuffix = ".stream"
)

// StreamTopic returns the durable stream name for a channel topic.
func StreamTopic(topic string) string {
	return topic + streamSuffix
}

// Record is one entry read back from a durable stream. Offset is assigned by
// the broker and is monotonically increasing within a topic.
type Record struct {
	Offset  string
	Payload []byte
}

// StartOffset reads a stream from the beginning.
const StartOffset = "0"

// Channel is the ephemeral fan-out primitive: at-most-once, lowest latency,
// delivered only to consumers connected at publish time. Ordering is
// preserved per publishing connection.
type Channel interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Stream is the durable, replayable primitive: at-least-once, offset
// addressable. Consumers that must not lose records read the stream and track
// their own committed offset.
type Stream interface {
	// Append persists a record and returns its broker-assigned offset.
	Append(ctx context.Context, topic string, payload []byte) (string, error)

	// Read returns up to count records with offsets strictly greater than
	// from, waiting up to block for new data (block <= 0 returns
	// immediately). An empty result with a nil error means no new records.
	Read(ctx context.Context, topic, from string, count int64, block time.Duration) ([]Record, error)
}

// Broker bundles the two primitives the pipeline relies on.
type Broker interface {
	Channel
	Stream

	// Ping verifies the broker connection is healthy.
	Ping(ctx context.Context) error

	// Close releases the broker connection.
	Close() error
}
