package capture

import (
	"sync"
	"time"

	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
)

// SampleFunc receives raw CSI data from the radio. src is the transport
// address the measured frame came from and is informational only.
type SampleFunc func(raw []byte, length int, src string)

// Capability is the platform capture hook a node drives.
type Capability interface {
	// Enable starts delivering samples; tag is advisory for the platform.
	Enable(tag peers.NodeID) error
	// Disable stops delivering samples.
	Disable() error
	// OnSample registers the producer callback. Must be set before Enable.
	OnSample(fn SampleFunc)
	// NowMicros is a monotonic microsecond clock.
	NowMicros() uint64
	// Observe is fed every probe frame seen while listening.
	Observe(src string, probe []byte)
}

// Simulated is a Capability that synthesises a deterministic CSI vector for
// every probe it observes while enabled. It is used by the simulate command
// and by tests; on a real radio the driver plays this role.
type Simulated struct {
	subcarriers int
	start       time.Time

	mu      sync.Mutex
	enabled bool
	tag     peers.NodeID
	seq     uint32
	enables int
	fn      SampleFunc
}

// NewSimulated returns a disabled Simulated producing vectors of
// 2*subcarriers bytes (I/Q pairs).
func NewSimulated(subcarriers int) *Simulated {
	if subcarriers < 1 {
		subcarriers = 1
	}
	return &Simulated{subcarriers: subcarriers, start: time.Now(), tag: peers.None}
}

func (s *Simulated) Enable(tag peers.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	s.tag = tag
	s.enables++
	return nil
}

func (s *Simulated) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.tag = peers.None
	return nil
}

func (s *Simulated) OnSample(fn SampleFunc) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *Simulated) NowMicros() uint64 {
	return uint64(time.Since(s.start).Microseconds())
}

// Observe emits one synthetic sample when enabled. Nothing is produced while
// disabled, mirroring a radio with CSI collection switched off.
func (s *Simulated) Observe(src string, _ []byte) {
	s.mu.Lock()
	if !s.enabled || s.fn == nil {
		s.mu.Unlock()
		return
	}
	s.seq++
	raw := synth(s.tag, s.seq, s.subcarriers)
	fn := s.fn
	s.mu.Unlock()

	fn(raw, len(raw), src)
}

// Enabled reports the current enable state and advisory tag.
func (s *Simulated) Enabled() (peers.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag, s.enabled
}

// EnableCount returns how many times Enable has been called.
func (s *Simulated) EnableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enables
}

func synth(tag peers.NodeID, seq uint32, subcarriers int) []byte {
	raw := make([]byte, 2*subcarriers)
	for i := 0; i < subcarriers; i++ {
		// imaginary first, as the radio driver lays it out
		raw[2*i] = byte(int8((i*int(tag+1) + int(seq)) % 31))
		raw[2*i+1] = byte(int8(32 - (i+int(seq))%64))
	}
	return raw
}
