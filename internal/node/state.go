package node

import (
	"time"

	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
)

// inbound is sent over the coordinator's inbox by the link receive callback.
type inbound struct {
	from string
	b    []byte
}

// State is the coordinator's finite-state-machine state.
type State int32

const (
	// StateIdle is neither broadcasting nor capturing.
	StateIdle State = iota
	// StateAnnouncing holds the token and has told peers to listen; probes
	// start once the settle delay has passed.
	StateAnnouncing
	// StateBroadcasting transmits probes until the broadcast window ends.
	StateBroadcasting
	// StateListening captures samples tagged with the current broadcaster.
	StateListening
)

// Role maps the state to the role it represents.
func (s State) Role() Role {
	switch s {
	case StateAnnouncing, StateBroadcasting:
		return RoleBroadcaster
	case StateListening:
		return RoleListener
	default:
		return RoleIdle
	}
}

// HoldsToken reports whether the node currently owns the broadcaster token.
func (s State) HoldsToken() bool {
	return s == StateAnnouncing || s == StateBroadcasting
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnnouncing:
		return "announcing"
	case StateBroadcasting:
		return "broadcasting"
	case StateListening:
		return "listening"
	default:
		return "unknown"
	}
}

// Snapshot is the read-only view of coordinator state published for the
// capture path and the status API.
type Snapshot struct {
	State   State
	Tag     peers.NodeID // broadcaster being attributed; None when not applicable
	Session string       // id of the session this node is broadcasting; empty otherwise
	Since   time.Time
}

// Transition describes one state change.
type Transition struct {
	Node    peers.NodeID
	From    State
	To      State
	Tag     peers.NodeID
	Session string
	At      time.Time
}
