// Package analytics counts fired emails in Redis, bucketed by time window.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-mail/internal/domain"
)

const (
	KindFired    = "fired"
	KindMisfired = "misfired"
)

const (
	DefaultWindow    = time.Minute
	DefaultRetention = 7 * 24 * time.Hour
)

// RedisSink increments one counter per bucket for every fired email and a
// second one for misfires. Keys expire after the retention period.
type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

func NewRedisSink(client *redis.Client, window, retention time.Duration) *RedisSink {
	if window <= 0 {
		window = DefaultWindow
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{client: client, window: window, retention: retention}
}

// Record is best-effort: failures are logged and never reach delivery.
func (s *RedisSink) Record(ctx context.Context, event domain.FireEvent) {
	if err := s.Write(ctx, event); err != nil {
		slog.Warn("analytics: write failed", "job", event.JobID, "err", err)
	}
}

func (s *RedisSink) Write(ctx context.Context, event domain.FireEvent) error {
	pipe := s.client.Pipeline()

	key := buildKey(KindFired, event.ScheduledAt, s.window)
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if event.Misfired {
		key := buildKey(KindMisfired, event.ScheduledAt, s.window)
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count returns the counter of kind for the bucket containing t.
func (s *RedisSink) Count(ctx context.Context, kind string, t time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(kind, t, s.window)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func buildKey(kind string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("easymail:%s:%s", kind, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
