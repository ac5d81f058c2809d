// Package peers holds the static peer directory: the one authoritative
// NodeID → address table a node is configured with. It defines the
// round-robin order the broadcaster token travels in and never changes after
// construction.
package peers

import (
	"errors"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// NodeID identifies a node in the mesh. IDs are dense, 0..N-1.
type NodeID uint8

// None is the reserved sentinel meaning "no broadcaster". On the wire it
// doubles as the disable-capture command.
const None NodeID = 255

// MaxNodes is the largest mesh a single-byte NodeID can address while keeping
// None out of range.
const MaxNodes = int(None)

var (
	ErrNoPeers        = errors.New("peers: directory is empty")
	ErrTooManyPeers   = fmt.Errorf("peers: more than %d peers", MaxNodes)
	ErrSelfOutOfRange = errors.New("peers: self index out of range")
	ErrDuplicateAddr  = errors.New("peers: duplicate address")
	ErrEmptyAddr      = errors.New("peers: empty address")
	ErrUnknownNode    = errors.New("peers: unknown node")
)

// Directory is the read-only NodeID → address table.
type Directory struct {
	self  NodeID
	addrs []string
	index map[string]NodeID
}

// New builds a Directory. Addresses may be multiaddrs such as
// /ip4/10.0.0.2/udp/4210, which are normalised to host:port, or any other
// non-empty transport-specific string, which is used as-is.
func New(self NodeID, addrs []string) (*Directory, error) {
	if len(addrs) == 0 {
		return nil, ErrNoPeers
	}
	if len(addrs) > MaxNodes {
		return nil, ErrTooManyPeers
	}
	if int(self) >= len(addrs) {
		return nil, fmt.Errorf("%w: %d (peers=%d)", ErrSelfOutOfRange, self, len(addrs))
	}

	d := &Directory{
		self:  self,
		addrs: make([]string, len(addrs)),
		index: make(map[string]NodeID, len(addrs)),
	}
	for i, raw := range addrs {
		addr, err := Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		if prev, ok := d.index[addr]; ok {
			return nil, fmt.Errorf("%w: %s (nodes %d and %d)", ErrDuplicateAddr, addr, prev, i)
		}
		d.addrs[i] = addr
		d.index[addr] = NodeID(i)
	}
	return d, nil
}

// Normalize converts a multiaddr to host:port and passes other address
// forms through after trimming.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyAddr
	}
	if !strings.HasPrefix(raw, "/") {
		return raw, nil
	}
	m, err := ma.NewMultiaddr(raw)
	if err != nil {
		return "", fmt.Errorf("parse multiaddr %q: %w", raw, err)
	}
	na, err := manet.ToNetAddr(m)
	if err != nil {
		return "", fmt.Errorf("multiaddr %q: %w", raw, err)
	}
	return na.String(), nil
}

// Self returns this node's ID.
func (d *Directory) Self() NodeID { return d.self }

// Count returns N.
func (d *Directory) Count() int { return len(d.addrs) }

// AddressOf returns the address configured for id.
func (d *Directory) AddressOf(id NodeID) (string, error) {
	if int(id) >= len(d.addrs) {
		return "", fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return d.addrs[id], nil
}

// SelfAddr returns this node's own address.
func (d *Directory) SelfAddr() string { return d.addrs[d.self] }

// Next returns the node after id in round-robin order.
func (d *Directory) Next(id NodeID) NodeID {
	return NodeID((int(id) + 1) % len(d.addrs))
}

// IDOf reverse-maps a transport address to its NodeID.
func (d *Directory) IDOf(addr string) (NodeID, bool) {
	id, ok := d.index[addr]
	return id, ok
}

// Valid reports whether id names a configured node.
func (d *Directory) Valid(id NodeID) bool { return int(id) < len(d.addrs) }

// Others returns every node except self, in directory order.
func (d *Directory) Others() []NodeID {
	out := make([]NodeID, 0, len(d.addrs)-1)
	for i := range d.addrs {
		if NodeID(i) != d.self {
			out = append(out, NodeID(i))
		}
	}
	return out
}

// Addresses returns a copy of the address table in index order.
func (d *Directory) Addresses() []string {
	out := make([]string, len(d.addrs))
	copy(out, d.addrs)
	return out
}
