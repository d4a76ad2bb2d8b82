// Package realtime fans applied operations out to other API nodes through
// Redis pub/sub, one channel per session.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"redline/api/internal/collab"
)

const channelPrefix = "redline:ops:"

// Broadcaster publishes applied operations to a session channel. It satisfies
// the collab manager's transport capability.
type Broadcaster struct {
	client *redis.Client
}

// NewBroadcaster connects to Redis and verifies the connection.
func NewBroadcaster(redisURL string) (*Broadcaster, error) {
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

	return NewBroadcasterWithClient(client), nil
}

// NewBroadcasterWithClient wraps an existing Redis client.
func NewBroadcasterWithClient(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client}
}

// Publish sends one applied operation to the session's channel.
func (b *Broadcaster) Publish(ctx context.Context, msg collab.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal operation message: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+msg.SessionID, payload).Err(); err != nil {
		return fmt.Errorf("publish operation message: %w", err)
	}
	return nil
}

// Subscribe listens on a session's channel and delivers decoded messages
// until the context is cancelled. Undecodable payloads are dropped.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan collab.Message, error) {
	sub := b.client.Subscribe(ctx, channelPrefix+sessionID)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to session channel: %w", err)
	}

	out := make(chan collab.Message)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg collab.Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection.
func (b *Broadcaster) Close() error {
	return b.client.Close()
}
