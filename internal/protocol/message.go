// Package protocol defines the on-air coordination messages exchanged between
// nodes and the frame formats used to report samples to the sink.
package protocol

import (
	"errors"
	"fmt"

	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
)

// DefaultProbeSize is the probe payload length the radios were tuned for.
const DefaultProbeSize = 10

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownNode = errors.New("protocol: unknown node id")
)

// Kind classifies a decoded datagram from the perspective of the receiver.
type Kind int

const (
	KindToken   Kind = iota // value == receiver: become broadcaster
	KindEnable              // value names another node: capture, tagged value
	KindDisable             // value == 255
	KindProbe               // probe payload from the broadcaster
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindEnable:
		return "enable"
	case KindDisable:
		return "disable"
	case KindProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Message is a decoded coordination datagram.
type Message struct {
	Kind  Kind
	Value peers.NodeID
}

// Control encodes a one-byte coordination message. The same byte is a token
// to the node it names, an enable to everyone else, and a disable when None.
func Control(v peers.NodeID) []byte { return []byte{byte(v)} }

// Disable is the broadcast-disable message.
func Disable() []byte { return Control(peers.None) }

// Probe returns a zeroed probe payload of size bytes.
func Probe(size int) []byte { return make([]byte, size) }

// Decoder classifies datagrams for one receiver.
type Decoder struct {
	Self      peers.NodeID
	Count     int
	ProbeSize int
}

// Decode interprets b. Length one is a control byte and length ProbeSize is
// a probe; anything else is ErrMalformed. Values naming no configured node
// yield ErrUnknownNode.
func (d Decoder) Decode(b []byte) (Message, error) {
	switch {
	case len(b) == 1:
	case d.ProbeSize > 1 && len(b) == d.ProbeSize:
		return Message{Kind: KindProbe, Value: peers.None}, nil
	default:
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}

	v := peers.NodeID(b[0])
	switch {
	case v == peers.None:
		return Message{Kind: KindDisable, Value: v}, nil
	case int(v) >= d.Count:
		return Message{}, fmt.Errorf("%w: %d (mesh of %d)", ErrUnknownNode, v, d.Count)
	case v == d.Self:
		return Message{Kind: KindToken, Value: v}, nil
	default:
		return Message{Kind: KindEnable, Value: v}, nil
	}
}
