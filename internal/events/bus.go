package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDrop marks a message as poison: the subscription loop acknowledges it
// and moves on instead of leaving it pending for redelivery.
var ErrDrop = errors.New("drop message")

// Handler processes one raw message payload from a topic.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Bus publishes to and consumes from Redis streams. Publishing is bounded
// by a short timeout; a slow broker must never stall a mutation response.
type Bus struct {
	client         *redis.Client
	publishTimeout time.Duration
	blockTimeout   time.Duration
	maxLen         int64
}

func NewBus(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewBusWithClient(client), nil
}

// NewBusWithClient creates a bus from an existing Redis client.
func NewBusWithClient(client *redis.Client) *Bus {
	return &Bus{
		client:         client,
		publishTimeout: 3 * time.Second,
		blockTimeout:   5 * time.Second,
		maxLen:         10000,
	}
}

func (b *Bus) Close() error {
	return b.client.Close()
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish appends a JSON-encoded payload to the topic stream and returns
// once the broker has acknowledged the hand-off.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes topics on the given consumer group until ctx is
// cancelled. Messages are acknowledged after the handler succeeds or
// returns ErrDrop; other handler errors leave the message pending so a
// later claim can retry it. Scaling out means more consumers in the same
// group; dedup at the handler level keeps that safe.
func (b *Bus) Subscribe(ctx context.Context, group, consumer string, topics []string, handler Handler) error {
	for _, topic := range topics {
		err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", group, topic, err)
		}
	}

	streams := make([]string, 0, len(topics)*2)
	streams = append(streams, topics...)
	for range topics {
		streams = append(streams, ">")
	}

	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastClaim) > time.Minute {
			b.claimStale(ctx, group, consumer, topics, handler)
			lastClaim = time.Now()
		}

		result, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  streams,
			Count:    16,
			Block:    b.blockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("events: read group %s: %v", group, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range result {
			for _, message := range stream.Messages {
				b.process(ctx, group, stream.Stream, message, handler)
			}
		}
	}
}

func (b *Bus) process(ctx context.Context, group, topic string, message redis.XMessage, handler Handler) {
	payload, ok := message.Values["payload"].(string)
	if !ok {
		log.Printf("events: %s %s: message without payload field, dropping", topic, message.ID)
		b.ack(ctx, group, topic, message.ID)
		return
	}

	if err := handler(ctx, topic, []byte(payload)); err != nil {
		if errors.Is(err, ErrDrop) {
			log.Printf("events: %s %s: dropping poison message: %v", topic, message.ID, err)
			b.ack(ctx, group, topic, message.ID)
			return
		}
		// Left pending; claimStale retries it once it has sat idle.
		log.Printf("events: %s %s: handler failed, leaving pending: %v", topic, message.ID, err)
		return
	}

	b.ack(ctx, group, topic, message.ID)
}

// claimStale takes over messages another consumer read but never
// acknowledged, plus this consumer's own failed ones, and retries them.
func (b *Bus) claimStale(ctx context.Context, group, consumer string, topics []string, handler Handler) {
	for _, topic := range topics {
		messages, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: consumer,
			MinIdle:  30 * time.Second,
			Start:    "0-0",
			Count:    16,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("events: autoclaim %s: %v", topic, err)
			}
			continue
		}
		for _, message := range messages {
			b.process(ctx, group, topic, message, handler)
		}
	}
}

func (b *Bus) ack(ctx context.Context, group, topic, id string) {
	if err := b.client.XAck(ctx, topic, group, id).Err(); err != nil && ctx.Err() == nil {
		log.Printf("events: ack %s %s: %v", topic, id, err)
	}
}
