package sink

import (
	"context"
	"sync"
)

// Recorder is an in-process Sink that keeps every frame. The simulate
// command and tests use it in place of a network collector.
type Recorder struct {
	mu     sync.Mutex
	frames [][]byte
	fail   error
	closed bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// FailWith makes subsequent sends return err; nil restores delivery.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *Recorder) Send(_ context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.fail != nil {
		return r.fail
	}
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

// Frames returns a copy of everything received so far.
func (r *Recorder) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

// Len returns the number of frames received.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
