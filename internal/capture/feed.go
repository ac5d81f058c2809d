package capture

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
)

// TagSource reports the broadcaster currently being listened to. ok is false
// whenever samples are not attributable.
type TagSource func() (tag peers.NodeID, ok bool)

// Feed is the producer side of the pipeline. It turns raw capture callbacks
// into tagged samples and enqueues them without ever blocking.
type Feed struct {
	queue    *Queue
	maxLen   int
	tags     TagSource
	now      func() uint64
	onReject func(error)

	logger *zap.Logger
	warn   *rate.Limiter
}

// NewFeed wires a Feed. onReject may be nil.
func NewFeed(q *Queue, maxLen int, tags TagSource, now func() uint64, onReject func(error), logger *zap.Logger) *Feed {
	return &Feed{
		queue:    q,
		maxLen:   maxLen,
		tags:     tags,
		now:      now,
		onReject: onReject,
		logger:   logger,
		warn:     rate.NewLimiter(rate.Limit(1), 1),
	}
}

// Handle is a SampleFunc. The tag is whatever the coordinator most recently
// recorded, never derived from src.
func (f *Feed) Handle(raw []byte, length int, src string) {
	tag, ok := f.tags()
	if !ok {
		return
	}
	s, err := NewSample(tag, f.now(), raw, length, f.maxLen)
	if err != nil {
		if f.onReject != nil {
			f.onReject(err)
		}
		if f.warn.Allow() {
			f.logger.Warn("Discarding capture", zap.String("src", src), zap.Int("length", length), zap.Error(err))
		}
		return
	}
	if !f.queue.TryEnqueue(s) && f.warn.Allow() {
		f.logger.Warn("Capture queue full, sample dropped",
			zap.Uint8("tag", uint8(tag)),
			zap.Uint64("dropped", f.queue.Dropped()),
		)
	}
}
