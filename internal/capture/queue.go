package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrInvalidCapacity is returned by NewQueue for a capacity below one.
var ErrInvalidCapacity = errors.New("capture: queue capacity must be at least 1")

// Queue is the bounded FIFO between the capture callback (single producer)
// and the forwarder (single consumer). The producer side never blocks: a full
// queue drops the sample and counts it.
type Queue struct {
	ch      chan Sample
	dropped atomic.Uint64
	onDrop  func()
}

// NewQueue allocates a queue with a fixed capacity. It is never resized.
func NewQueue(capacity int) (*Queue, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Queue{ch: make(chan Sample, capacity)}, nil
}

// OnDrop registers a hook called after each dropped sample. It must be set
// before the producer starts and must not block.
func (q *Queue) OnDrop(fn func()) { q.onDrop = fn }

// TryEnqueue adds s if there is room. It returns false, and counts a drop,
// when the queue is full.
func (q *Queue) TryEnqueue(s Sample) bool {
	select {
	case q.ch <- s:
		return true
	default:
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop()
		}
		return false
	}
}

// DequeueWait returns the oldest sample, waiting at most timeout. It returns
// false on timeout or when ctx is done.
func (q *Queue) DequeueWait(ctx context.Context, timeout time.Duration) (Sample, bool) {
	select {
	case s := <-q.ch:
		return s, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s := <-q.ch:
		return s, true
	case <-timer.C:
		return Sample{}, false
	case <-ctx.Done():
		return Sample{}, false
	}
}

// Len returns the number of queued samples.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns how many samples were dropped because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
