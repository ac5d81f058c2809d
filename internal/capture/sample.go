// Package capture contains the capture-side half of the pipeline: the CSI
// sample type, the bounded queue between the capture callback and the
// forwarder, and the capture capability a node drives.
package capture

import (
	"errors"
	"fmt"

	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
)

// DefaultMaxLen is the payload capacity of a sample when none is configured.
const DefaultMaxLen = 512

// ErrTooLong is returned when raw capture data exceeds the payload capacity.
var ErrTooLong = errors.New("capture: sample longer than capacity")

// Sample is one CSI measurement, tagged with the broadcaster it correlates to.
type Sample struct {
	Tag       peers.NodeID
	Timestamp uint64 // µs, monotonic
	Length    uint16
	Payload   []int8
}

// NewSample copies the first length bytes of raw into a Sample. Inputs longer
// than maxLen, or shorter than they claim, are rejected rather than truncated.
func NewSample(tag peers.NodeID, ts uint64, raw []byte, length, maxLen int) (Sample, error) {
	if length < 0 || length > maxLen || length > 0xFFFF {
		return Sample{}, fmt.Errorf("%w: %d > %d", ErrTooLong, length, maxLen)
	}
	if length > len(raw) {
		return Sample{}, fmt.Errorf("capture: length %d exceeds buffer %d", length, len(raw))
	}
	payload := make([]int8, length)
	for i := 0; i < length; i++ {
		payload[i] = int8(raw[i])
	}
	return Sample{Tag: tag, Timestamp: ts, Length: uint16(length), Payload: payload}, nil
}

// Valid reports whether the sample is internally consistent and fits maxLen.
func (s Sample) Valid(maxLen int) bool {
	return int(s.Length) == len(s.Payload) && int(s.Length) <= maxLen
}
