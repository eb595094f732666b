// Package channel is the in-process event bus between the trigger registry
// and the dispatcher.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/easy-mail/internal/domain"
)

// DefaultEmitTimeout is how long Emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

// ErrBufferFull is returned when no buffer space frees up within the emit timeout.
var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink records bus metrics. Methods must not block.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*EventBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = sink
	}
}

type EventBus struct {
	ch          chan domain.FireEvent
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.FireEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

func (b *EventBus) Emit(ctx context.Context, event domain.FireEvent) error {
	select {
	case b.ch <- event:
		b.report()
		return nil
	default:
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.report()
		return nil
	case <-ctx.Done():
		b.emitError()
		return ctx.Err()
	case <-timer.C:
		b.emitError()
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.FireEvent {
	return b.ch
}

// Len returns the number of buffered events.
func (b *EventBus) Len() int {
	return len(b.ch)
}

func (b *EventBus) report() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}

func (b *EventBus) emitError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
