// Package forwarder drains the capture queue and ships each sample to the
// sink as one frame.
package forwarder

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/protocol"
	"github.com/saidElhadi/wifi-csi-mesh/internal/sink"
	"github.com/saidElhadi/wifi-csi-mesh/internal/telemetry"
)

// Config wires a Forwarder.
type Config struct {
	Queue          *capture.Queue
	Sink           sink.Sink
	Codec          protocol.Codec
	MaxSampleLen   int
	MaxFrameSize   int
	DequeueTimeout time.Duration
	Metrics        *telemetry.NodeMetrics
}

// Forwarder is the single consumer of a capture queue.
type Forwarder struct {
	queue   *capture.Queue
	sink    sink.Sink
	framer  *protocol.Framer
	timeout time.Duration
	metrics *telemetry.NodeMetrics
	logger  *zap.Logger
	warn    *rate.Limiter

	sent     atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// New builds a Forwarder.
func New(cfg Config, logger *zap.Logger) *Forwarder {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 100 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.ForNode("unassigned")
	}
	return &Forwarder{
		queue: cfg.Queue,
		sink:  cfg.Sink,
		framer: &protocol.Framer{
			Codec:        cfg.Codec,
			MaxSampleLen: cfg.MaxSampleLen,
			MaxFrameSize: cfg.MaxFrameSize,
		},
		timeout: cfg.DequeueTimeout,
		metrics: cfg.Metrics,
		logger:  logger,
		warn:    rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Run forwards until ctx is done. Samples still queued at that point are
// abandoned.
func (f *Forwarder) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		s, ok := f.queue.DequeueWait(ctx, f.timeout)
		f.metrics.QueueDepth.Set(float64(f.queue.Len()))
		if !ok {
			continue
		}
		f.forward(ctx, s)
	}
	return nil
}

func (f *Forwarder) forward(ctx context.Context, s capture.Sample) {
	frame, err := f.framer.Encode(s)
	if err != nil {
		f.rejected.Add(1)
		f.metrics.SerializationError(reason(err))
		if f.warn.Allow() {
			f.logger.Warn("Sample rejected before send",
				zap.Uint8("tag", uint8(s.Tag)),
				zap.Uint16("length", s.Length),
				zap.Error(err),
			)
		}
		return
	}

	if err := f.sink.Send(ctx, frame); err != nil {
		f.failed.Add(1)
		f.metrics.SinkErrors.Inc()
		if f.warn.Allow() {
			f.logger.Warn("Sink send failed", zap.Uint8("tag", uint8(s.Tag)), zap.Error(err))
		}
		return
	}
	f.sent.Add(1)
	f.metrics.Sent.Inc()
}

func reason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrSampleTooLong):
		return "sample_too_long"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "frame_too_large"
	default:
		return "bad_sample"
	}
}

// Stats is a point-in-time view of forwarder counters.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
}

// Stats returns the forwarder counters.
func (f *Forwarder) Stats() Stats {
	return Stats{Sent: f.sent.Load(), Failed: f.failed.Load(), Rejected: f.rejected.Load()}
}
