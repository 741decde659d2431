// Package broker defines the message-broker contract between the feed
// publisher and its consumers, and implements it on Redis.
//
// Two primitives:
//   - Channel: ephemeral pub/sub fan-out (at-most-once, lowest latency)
//   - Stream: durable append-only log (at-least-once, replayable by offset)
//
// Low-latency consumers subscribe to the channel and accept missing records
// published while they were away. The persistence writer reads the stream
// and tracks its own committed offset.
package broker
