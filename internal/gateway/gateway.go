// Package gateway is the entry point for scheduling an email. It rejects
// fire times that are not in the future and hands accepted requests to the
// trigger registry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/djlord-it/easy-mail/internal/domain"
)

var (
	// ErrInvalidScheduleTime is returned when fireAt is not strictly after now.
	ErrInvalidScheduleTime = errors.New("fire time must be after current time")

	// ErrSchedulingUnavailable wraps any registry failure during registration.
	ErrSchedulingUnavailable = errors.New("scheduling unavailable")
)

// Registrar is the part of the registry the gateway needs.
type Registrar interface {
	Register(ctx context.Context, payload map[string]string, fireAt time.Time) (domain.JobKey, error)
	Now() time.Time
}

type MetricsSink interface {
	ScheduleRejected()
}

type Gateway struct {
	registry Registrar
	metrics  MetricsSink // optional, nil = disabled
}

func New(registry Registrar) *Gateway {
	return &Gateway{registry: registry}
}

func (g *Gateway) WithMetrics(sink MetricsSink) *Gateway {
	g.metrics = sink
	return g
}

// ScheduleAt registers payload to fire at fireAt. The comparison uses the
// registry clock so validation and firing agree on "now".
func (g *Gateway) ScheduleAt(ctx context.Context, payload map[string]string, fireAt time.Time) (domain.JobKey, error) {
	now := g.registry.Now()
	if !fireAt.After(now) {
		if g.metrics != nil {
			g.metrics.ScheduleRejected()
		}
		return domain.JobKey{}, fmt.Errorf("%w: %s is not after %s",
			ErrInvalidScheduleTime, fireAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	key, err := g.registry.Register(ctx, payload, fireAt)
	if err != nil {
		slog.Error("gateway: registration failed", "fire_at", fireAt.UTC().Format(time.RFC3339), "err", err)
		return domain.JobKey{}, fmt.Errorf("%w: %w", ErrSchedulingUnavailable, err)
	}

	return key, nil
}
