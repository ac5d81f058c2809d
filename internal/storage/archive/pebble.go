// Package archive provides the Pebble-backed sample archive used by the
// collector.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
	"github.com/saidElhadi/wifi-csi-mesh/internal/protocol"
)

// key layout: tag (1) | timestamp (8, big endian) | arrival seq (8, big endian)
const keyLen = 17

var ErrNotOpen = errors.New("archive: not open")

// PebbleArchive is a Pebble LSM-tree backed sample store. Samples are
// ordered by tag, then capture timestamp.
type PebbleArchive struct {
	db     *pebble.DB
	path   string
	codec  protocol.Binary
	seq    atomic.Uint64
	logger *zap.Logger
}

// NewPebbleArchive creates a PebbleArchive instance (not yet opened).
func NewPebbleArchive(dbPath string, logger *zap.Logger) *PebbleArchive {
	a := &PebbleArchive{
		path:   dbPath,
		logger: logger,
	}
	// distinct across restarts so arrivals never overwrite older samples
	a.seq.Store(uint64(time.Now().UnixNano()))
	return a
}

// Init opens the Pebble database.
func (a *PebbleArchive) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{a.logger},
	}
	db, err := pebble.Open(a.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", a.path, err)
	}
	a.db = db
	a.logger.Info("Sample archive opened", zap.String("path", a.path))
	return nil
}

// Close flushes and closes the database.
func (a *PebbleArchive) Close() error {
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

func (a *PebbleArchive) key(s capture.Sample) []byte {
	k := make([]byte, keyLen)
	k[0] = byte(s.Tag)
	binary.BigEndian.PutUint64(k[1:9], s.Timestamp)
	binary.BigEndian.PutUint64(k[9:], a.seq.Add(1))
	return k
}

// Put stores a sample. Writes are not synced; a crash may lose the tail.
func (a *PebbleArchive) Put(s capture.Sample) error {
	if a.db == nil {
		return ErrNotOpen
	}
	if err := a.db.Set(a.key(s), a.codec.Append(nil, s), pebble.NoSync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// Filter narrows a scan. A nil Tag matches every broadcaster; zero bounds
// are open.
type Filter struct {
	Tag   *peers.NodeID
	Since uint64
	Until uint64
}

func (f Filter) bounds() (lower, upper []byte) {
	if f.Tag == nil {
		return nil, nil
	}
	lower = []byte{byte(*f.Tag)}
	if *f.Tag < peers.None {
		upper = []byte{byte(*f.Tag) + 1}
	}
	return lower, upper
}

func (f Filter) match(s capture.Sample) bool {
	if f.Since != 0 && s.Timestamp < f.Since {
		return false
	}
	if f.Until != 0 && s.Timestamp > f.Until {
		return false
	}
	return true
}

// Scan calls fn for each stored sample matching f, in key order. Returning
// an error from fn stops the scan.
func (a *PebbleArchive) Scan(f Filter, fn func(capture.Sample) error) error {
	if a.db == nil {
		return ErrNotOpen
	}
	lower, upper := f.bounds()
	iter, err := a.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		s, err := a.codec.Decode(iter.Value())
		if err != nil {
			a.logger.Warn("Skipping undecodable archive entry", zap.Binary("key", iter.Key()), zap.Error(err))
			continue
		}
		if !f.match(s) {
			continue
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Count returns how many samples match f.
func (a *PebbleArchive) Count(f Filter) (int, error) {
	n := 0
	err := a.Scan(f, func(capture.Sample) error {
		n++
		return nil
	})
	return n, err
}

// Truncate deletes all stored samples.
func (a *PebbleArchive) Truncate() error {
	if a.db == nil {
		return ErrNotOpen
	}
	end := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if err := a.db.DeleteRange([]byte{0}, end, pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete range: %w", err)
	}
	return nil
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
