package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opspilot/backend/internal/core"
)

const (
	redisChannel    = "opspilot:events"
	redisRecentKey  = "opspilot:events:recent"
	redisRecentSize = 1000
)

// RedisMirror publishes execution events to a Redis channel and keeps a
// capped recent-events list so external consumers (dashboards, the answer
// formatter) can catch up without a database connection. The service runs
// fine without it; callers fall back to the in-process bus only.
type RedisMirror struct {
	rdb *redis.Client
}

// NewRedisMirror connects and pings; the caller decides whether a failure
// means fallback or abort.
func NewRedisMirror(addr, password string, db int) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis event mirror connected", "addr", addr, "db", db)
	return &RedisMirror{rdb: rdb}, nil
}

// Publish sends the event to the channel and pushes it onto the capped
// recent list.
func (m *RedisMirror) Publish(ctx context.Context, ev *core.ExecutionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := m.rdb.Pipeline()
	pipe.Publish(ctx, redisChannel, payload)
	pipe.LPush(ctx, redisRecentKey, payload)
	pipe.LTrim(ctx, redisRecentKey, 0, redisRecentSize-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n of the most recently mirrored events, newest
// first.
func (m *RedisMirror) Recent(ctx context.Context, n int) ([]*core.ExecutionEvent, error) {
	if n <= 0 || n > redisRecentSize {
		n = 100
	}
	raw, err := m.rdb.LRange(ctx, redisRecentKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*core.ExecutionEvent, 0, len(raw))
	for _, item := range raw {
		var ev core.ExecutionEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

// Subscribe registers a handler for mirrored events. Returns an
// unsubscribe function.
func (m *RedisMirror) Subscribe(ctx context.Context, handler func(*core.ExecutionEvent)) (func(), error) {
	sub := m.rdb.Subscribe(ctx, redisChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", redisChannel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var ev core.ExecutionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
				handler(&ev)
			}
		}
	}()

	return func() { sub.Close() }, nil
}

// Close shuts down the underlying client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
