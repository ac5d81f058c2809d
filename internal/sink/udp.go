package sink

import (
	"context"
	"fmt"
	"net"
)

// UDP sends each frame as one datagram, as the deployed monitor expects.
type UDP struct {
	conn *net.UDPConn
}

// DialUDP connects a UDP socket to addr. No packets are exchanged.
func DialUDP(addr string) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve sink %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial sink %s: %w", addr, err)
	}
	return &UDP{conn: conn}, nil
}

func (u *UDP) Send(_ context.Context, frame []byte) error {
	_, err := u.conn.Write(frame)
	return err
}

func (u *UDP) Close() error { return u.conn.Close() }
