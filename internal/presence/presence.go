// Package presence tracks which participants are live in a redline session.
// Each heartbeat refreshes a Redis key with a TTL; a participant whose key
// expires has silently disconnected.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the payload stored per live participant. Position is the
// participant's cursor offset in the merged document.
type Entry struct {
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	Role          string    `json:"role"`
	Position      int       `json:"position"`
	LastSeen      time.Time `json:"last_seen"`
}

// Tracker is the Redis-backed presence store.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewTracker connects to Redis and verifies the connection.
func NewTracker(redisURL string, ttl time.Duration) (*Tracker, error) {
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

	return NewTrackerWithClient(client, ttl), nil
}

// NewTrackerWithClient wraps an existing Redis client.
func NewTrackerWithClient(client *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Tracker{client: client, ttl: ttl, prefix: "presence:"}
}

func (t *Tracker) key(sessionID, participantID string) string {
	return t.prefix + sessionID + ":" + participantID
}

// Heartbeat marks a participant as live and refreshes the expiry.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID string, entry Entry) error {
	entry.LastSeen = time.Now().UTC()
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	key := t.key(sessionID, entry.ParticipantID)
	if err := t.client.Set(ctx, key, payload, t.ttl).Err(); err != nil {
		return fmt.Errorf("set presence key: %w", err)
	}
	return nil
}

// Active returns the live participants of a session, ordered by display name.
func (t *Tracker) Active(ctx context.Context, sessionID string) ([]Entry, error) {
	pattern := t.prefix + sessionID + ":*"
	var entries []Entry

	iter := t.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		payload, err := t.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			// Expired between scan and get.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get presence key: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal presence entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DisplayName != entries[j].DisplayName {
			return strings.Compare(entries[i].DisplayName, entries[j].DisplayName) < 0
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	return entries, nil
}

// Leave removes a participant immediately instead of waiting for expiry.
func (t *Tracker) Leave(ctx context.Context, sessionID, participantID string) error {
	if err := t.client.Del(ctx, t.key(sessionID, participantID)).Err(); err != nil {
		return fmt.Errorf("delete presence key: %w", err)
	}
	return nil
}

// ClearSession drops every presence key of a finished session.
func (t *Tracker) ClearSession(ctx context.Context, sessionID string) error {
	pattern := t.prefix + sessionID + ":*"
	iter := t.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := t.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("delete presence key: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan presence keys: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (t *Tracker) Close() error {
	return t.client.Close()
}
