package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmehra/marketpipe/internal/config"
)

// payloadField is the stream entry field holding the encoded record.
const payloadField = "data"

// Redis implements Broker on Redis Pub/Sub (channel) and Streams (stream).
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a Redis-backed broker. The connection is not verified
// here; call Ping to check liveness.
func NewRedis(cfg config.BrokerConfig) *Redis {
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.OpTimeout,
		}),
	}
}

// NewRedisFromClient wraps an existing client. Used by tests to point the
// broker at miniredis.
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Publish sends a record on the ephemeral channel.
func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Append persists a record on the durable stream for topic.
func (b *Redis) Append(ctx context.Context, topic string, payload []byte) (string, error) {
	offset, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamTopic(topic),
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append %s: %w", StreamTopic(topic), err)
	}
	return offset, nil
}

// Read returns records after the given offset.
func (b *Redis) Read(ctx context.Context, topic, from string, count int64, block time.Duration) ([]Record, error) {
	if block <= 0 {
		// go-redis sends BLOCK 0 (block forever) for a zero value; a
		// negative duration omits the BLOCK argument entirely.
		block = -1
	}

	streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamTopic(topic), from},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s from %s: %w", StreamTopic(topic), from, err)
	}

	var records []Record
	for _, s := range streams {
		for _, msg := range s.Messages {
			payload, ok := msg.Values[payloadField].(string)
			if !ok {
				continue
			}
			records = append(records, Record{
				Offset:  msg.ID,
				Payload: []byte(payload),
			})
		}
	}
	return records, nil
}

// Ping verifies the connection.
func (b *Redis) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping broker: %w", err)
	}
	return nil
}

// Close releases the connection.
func (b *Redis) Close() error {
	return b.rdb.Close()
}
