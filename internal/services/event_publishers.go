/**
 * @description
 * Event sinks for committed batches.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: PUBLISH for the live feed (SSE via EventStreamHub)
 * - github.com/segmentio/kafka-go: durable event log consumed by the history worker
 */

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// RedisPublisher publishes each batch as JSON on a pub/sub channel.
type RedisPublisher struct {
	redis   *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{redis: client, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, batch *EventBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}
	return p.redis.Publish(ctx, p.channel, payload).Err()
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisPublisher) Close() error { return nil }

// KafkaPublisher writes each batch to a topic keyed by book so one book's
// batches stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            5,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, batch *EventBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(batch.MarketID + ":" + string(batch.Outcome)),
		Value: payload,
		Time:  batch.Timestamp,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ChannelPublisher hands batches to an in-process consumer.
type ChannelPublisher struct {
	ch chan *EventBatch
}

func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan *EventBatch, buffer)}
}

func (p *ChannelPublisher) Name() string { return "channel" }

func (p *ChannelPublisher) Publish(ctx context.Context, batch *EventBatch) error {
	select {
	case p.ch <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Batches returns the receive side.
func (p *ChannelPublisher) Batches() <-chan *EventBatch {
	return p.ch
}

func (p *ChannelPublisher) Close() error {
	close(p.ch)
	return nil
}
