package node

// Role is the externally visible part a node plays in the current session.
type Role int

const (
	RoleIdle        Role = iota
	RoleBroadcaster      // Announcing or transmitting probes
	RoleListener         // Capturing samples for another node's probes
)

func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleListener:
		return "listener"
	default:
		return "idle"
	}
}
