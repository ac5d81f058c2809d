package archive_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
	"github.com/saidElhadi/wifi-csi-mesh/internal/storage/archive"
)

func setupArchive(t *testing.T) *archive.PebbleArchive {
	t.Helper()
	dir := t.TempDir()
	logger, _ := zap.NewDevelopment()
	a := archive.NewPebbleArchive(dir+"/test-archive", logger)
	require.NoError(t, a.Init())
	t.Cleanup(func() { a.Close() })
	return a
}

func sample(tag peers.NodeID, ts uint64) capture.Sample {
	return capture.Sample{Tag: tag, Timestamp: ts, Length: 3, Payload: []int8{1, -2, 3}}
}

func tagPtr(id peers.NodeID) *peers.NodeID { return &id }

func TestArchivePutScan(t *testing.T) {
	a := setupArchive(t)

	require.NoError(t, a.Put(sample(1, 20)))
	require.NoError(t, a.Put(sample(0, 30)))
	require.NoError(t, a.Put(sample(1, 10)))

	var got []capture.Sample
	require.NoError(t, a.Scan(archive.Filter{}, func(s capture.Sample) error {
		got = append(got, s)
		return nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, peers.NodeID(0), got[0].Tag)
	assert.Equal(t, uint64(10), got[1].Timestamp, "ordered by tag then timestamp")
	assert.Equal(t, uint64(20), got[2].Timestamp)
	assert.Equal(t, []int8{1, -2, 3}, got[2].Payload)
}

func TestArchiveKeepsDuplicateTimestamps(t *testing.T) {
	a := setupArchive(t)
	require.NoError(t, a.Put(sample(2, 5)))
	require.NoError(t, a.Put(sample(2, 5)))

	n, err := a.Count(archive.Filter{Tag: tagPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestArchiveFilters(t *testing.T) {
	a := setupArchive(t)
	for ts := uint64(1); ts <= 5; ts++ {
		require.NoError(t, a.Put(sample(0, ts)))
		require.NoError(t, a.Put(sample(1, ts)))
	}
	require.NoError(t, a.Put(sample(peers.None-1, 1)))

	n, err := a.Count(archive.Filter{Tag: tagPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = a.Count(archive.Filter{Tag: tagPtr(0), Since: 2, Until: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = a.Count(archive.Filter{Tag: tagPtr(peers.None - 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArchiveScanStops(t *testing.T) {
	a := setupArchive(t)
	require.NoError(t, a.Put(sample(0, 1)))
	require.NoError(t, a.Put(sample(0, 2)))

	stop := errors.New("stop")
	calls := 0
	err := a.Scan(archive.Filter{}, func(capture.Sample) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestArchiveTruncate(t *testing.T) {
	a := setupArchive(t)
	require.NoError(t, a.Put(sample(0, 1)))
	require.NoError(t, a.Put(sample(3, 1)))
	require.NoError(t, a.Truncate())

	n, err := a.Count(archive.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestArchiveNotOpen(t *testing.T) {
	a := archive.NewPebbleArchive(t.TempDir(), zap.NewNop())
	assert.ErrorIs(t, a.Put(sample(0, 0)), archive.ErrNotOpen)
}
