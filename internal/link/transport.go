// Package link provides the datagram transports coordination messages travel
// over: UDP for real deployments and an in-memory hub for tests and
// simulation.
package link

import "errors"

// MaxDatagram is the largest datagram a transport will deliver.
const MaxDatagram = 2048

var (
	ErrClosed        = errors.New("link: transport closed")
	ErrUnknownTarget = errors.New("link: unknown target")
)

// ReceiveFunc is called for every datagram received. from is the sender's
// transport address. Implementations must not block.
type ReceiveFunc func(from string, b []byte)

// Transport abstracts unreliable, unordered datagram delivery between nodes.
// The coordinator uses this interface exclusively so tests can run a whole
// mesh in one process.
type Transport interface {
	// Start begins delivering received datagrams to the OnReceive callback.
	Start() error
	// SendUnicast sends b to one address. Delivery is not guaranteed.
	SendUnicast(addr string, b []byte) error
	// SendBroadcast sends b to every other node.
	SendBroadcast(b []byte) error
	// OnReceive registers the receive callback. Must be called before Start.
	OnReceive(fn ReceiveFunc)
	// LocalAddr is the address peers see as the sender.
	LocalAddr() string
	// Close stops delivery and releases resources.
	Close() error
}
