package forwarder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/forwarder"
	"github.com/saidElhadi/wifi-csi-mesh/internal/protocol"
	"github.com/saidElhadi/wifi-csi-mesh/internal/sink"
	"github.com/saidElhadi/wifi-csi-mesh/internal/telemetry"
)

func setup(t *testing.T, node string) (*capture.Queue, *sink.Recorder, *forwarder.Forwarder, context.CancelFunc) {
	t.Helper()
	q, err := capture.NewQueue(10)
	require.NoError(t, err)
	rec := sink.NewRecorder()
	f := forwarder.New(forwarder.Config{
		Queue:          q,
		Sink:           rec,
		Codec:          protocol.Text{},
		MaxSampleLen:   8,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		DequeueTimeout: 5 * time.Millisecond,
		Metrics:        telemetry.ForNode(node),
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q, rec, f, cancel
}

func TestForwardsInOrder(t *testing.T) {
	q, rec, f, _ := setup(t, "fwd-order")

	for i := 0; i < 3; i++ {
		require.True(t, q.TryEnqueue(capture.Sample{Tag: 1, Timestamp: uint64(i), Length: 1, Payload: []int8{int8(i)}}))
	}
	assert.Eventually(t, func() bool { return rec.Len() == 3 }, time.Second, 5*time.Millisecond)
	frames := rec.Frames()
	assert.Equal(t, "1:0:1:0", string(frames[0]))
	assert.Equal(t, "1:2:1:2", string(frames[2]))
	assert.Equal(t, uint64(3), f.Stats().Sent)
}

func TestOversizeRejectedBeforeSend(t *testing.T) {
	q, rec, f, _ := setup(t, "fwd-oversize")

	before := testutil.ToFloat64(telemetry.SerializationErrors.WithLabelValues("fwd-oversize", "sample_too_long"))
	require.True(t, q.TryEnqueue(capture.Sample{Tag: 0, Length: 9, Payload: make([]int8, 9)}))
	require.True(t, q.TryEnqueue(capture.Sample{Tag: 0, Length: 2, Payload: []int8{1, 2}}))

	assert.Eventually(t, func() bool { return f.Stats().Rejected == 1 && rec.Len() == 1 }, time.Second, 5*time.Millisecond)
	after := testutil.ToFloat64(telemetry.SerializationErrors.WithLabelValues("fwd-oversize", "sample_too_long"))
	assert.Equal(t, 1.0, after-before)
	assert.Equal(t, "0:0:2:1,2", string(rec.Frames()[0]))
}

func TestSinkFailureNotRetried(t *testing.T) {
	q, rec, f, _ := setup(t, "fwd-fail")
	rec.FailWith(errors.New("unreachable"))

	require.True(t, q.TryEnqueue(capture.Sample{Tag: 0, Length: 1, Payload: []int8{1}}))
	assert.Eventually(t, func() bool { return f.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)

	rec.FailWith(nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rec.Len(), "a failed frame is not resent")
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.TransportErrors.WithLabelValues("fwd-fail", "sink")))
}

func TestForwarderWithoutMetrics(t *testing.T) {
	q, err := capture.NewQueue(4)
	require.NoError(t, err)
	rec := sink.NewRecorder()
	f := forwarder.New(forwarder.Config{
		Queue:          q,
		Sink:           rec,
		Codec:          protocol.Text{},
		MaxSampleLen:   8,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		DequeueTimeout: 5 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.True(t, q.TryEnqueue(capture.Sample{Tag: 1, Length: 1, Payload: []int8{3}}))
	assert.Eventually(t, func() bool { return rec.Len() == 1 }, time.Second, 5*time.Millisecond)
}
