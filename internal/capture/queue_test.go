package capture_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
)

func sample(tag peers.NodeID, ts uint64) capture.Sample {
	return capture.Sample{Tag: tag, Timestamp: ts, Length: 2, Payload: []int8{1, -1}}
}

func TestNewQueueRejectsZeroCapacity(t *testing.T) {
	_, err := capture.NewQueue(0)
	assert.ErrorIs(t, err, capture.ErrInvalidCapacity)
}

func TestQueueDropsWhenFull(t *testing.T) {
	q, err := capture.NewQueue(10)
	require.NoError(t, err)

	drops := 0
	q.OnDrop(func() { drops++ })

	for i := 0; i < 10; i++ {
		assert.True(t, q.TryEnqueue(sample(1, uint64(i))))
	}
	assert.Equal(t, 10, q.Len())
	assert.False(t, q.TryEnqueue(sample(1, 10)))
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 1, drops)
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, 10, q.Cap())
}

func TestQueueFIFO(t *testing.T) {
	q, err := capture.NewQueue(4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.True(t, q.TryEnqueue(sample(2, uint64(i))))
	}
	for i := 0; i < 4; i++ {
		s, ok := q.DequeueWait(context.Background(), time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, uint64(i), s.Timestamp)
	}
}

func TestDequeueWaitTimesOut(t *testing.T) {
	q, err := capture.NewQueue(1)
	require.NoError(t, err)

	start := time.Now()
	_, ok := q.DequeueWait(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDequeueWaitHonoursContext(t *testing.T) {
	q, err := capture.NewQueue(1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.DequeueWait(ctx, time.Hour)
	assert.False(t, ok)
}

func TestTryEnqueueNeverBlocks(t *testing.T) {
	q, err := capture.NewQueue(1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.TryEnqueue(sample(0, uint64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a full queue")
	}
	assert.Equal(t, uint64(999), q.Dropped())
}

func TestQueueSingleProducerSingleConsumer(t *testing.T) {
	q, err := capture.NewQueue(8)
	require.NoError(t, err)

	const total = 5000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.TryEnqueue(sample(3, uint64(i)))
		}
	}()

	received := 0
	last := int64(-1)
	ctx := context.Background()
	for {
		s, ok := q.DequeueWait(ctx, 50*time.Millisecond)
		if !ok {
			break
		}
		assert.Greater(t, int64(s.Timestamp), last, "samples must come out in order")
		last = int64(s.Timestamp)
		received++
	}
	wg.Wait()
	for {
		if _, ok := q.DequeueWait(ctx, time.Millisecond); !ok {
			break
		}
		received++
	}
	assert.Equal(t, total, received+int(q.Dropped()))
}
