// Package channel is the in-process bus carrying claimed execution records
// from the poller to driver workers.
package channel

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
)

// ErrBufferFull is returned when a record cannot be enqueued in time.
var ErrBufferFull = errors.New("event bus buffer full")

// DefaultEmitTimeout is zero: Emit never waits for buffer space, so a slow
// driver never stalls selection.
const DefaultEmitTimeout time.Duration = 0

// MetricsSink receives bus saturation metrics. Fire-and-forget.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*EventBus)

// WithEmitTimeout lets Emit wait up to d for buffer space.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) { b.metrics = m }
}

type EventBus struct {
	ch          chan domain.ExecutionRecord
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.ExecutionRecord, buffer),
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

// Emit enqueues a claimed record. It returns ErrBufferFull when no space
// frees up within the emit timeout; the caller still owns the claim then.
func (b *EventBus) Emit(ctx context.Context, rec domain.ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case b.ch <- rec:
		b.updateMetrics()
		return nil
	default:
	}

	if b.emitTimeout <= 0 {
		b.emitError()
		return ErrBufferFull
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- rec:
		b.updateMetrics()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.emitError()
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.ExecutionRecord {
	return b.ch
}

// Len returns the number of buffered records.
func (b *EventBus) Len() int {
	return len(b.ch)
}

func (b *EventBus) updateMetrics() {
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
