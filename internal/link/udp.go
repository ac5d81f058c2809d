package link

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const multicastTTL = 4

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	// Listen is the local host:port coordination datagrams arrive on.
	Listen string
	// Peers are every node's addresses; used for broadcast without a group.
	Peers []string
	// Group is an optional IPv4 multicast host:port used for broadcast.
	Group string
	// Interface names the NIC to join Group on; empty lets the kernel pick.
	Interface string
}

// UDP sends coordination datagrams over UDP. Broadcast goes to a multicast
// group when one is configured and falls back to one unicast per peer.
type UDP struct {
	cfg    UDPConfig
	logger *zap.Logger

	conn  *net.UDPConn
	local string
	group *net.UDPAddr
	iface *net.Interface
	mconn *ipv4.PacketConn // group receive side
	out   *ipv4.PacketConn // multicast send options on conn

	fn     ReceiveFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewUDP returns an unstarted UDP transport.
func NewUDP(cfg UDPConfig, logger *zap.Logger) *UDP {
	return &UDP{cfg: cfg, logger: logger}
}

func (u *UDP) OnReceive(fn ReceiveFunc) { u.fn = fn }

func (u *UDP) LocalAddr() string { return u.local }

// Start binds the sockets and spawns the read loops.
func (u *UDP) Start() error {
	laddr, err := net.ResolveUDPAddr("udp4", u.cfg.Listen)
	if err != nil {
		return fmt.Errorf("resolve listen %q: %w", u.cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", u.cfg.Listen, err)
	}
	u.conn = conn
	u.local = u.cfg.Listen
	if laddr.Port == 0 || laddr.IP == nil || laddr.IP.IsUnspecified() {
		u.local = conn.LocalAddr().String()
	}

	if u.cfg.Group != "" {
		if err := u.joinGroup(); err != nil {
			conn.Close()
			return err
		}
	}

	u.wg.Add(1)
	go u.readLoop(func(buf []byte) (int, net.Addr, error) { return u.conn.ReadFrom(buf) })
	if u.mconn != nil {
		u.wg.Add(1)
		go u.readLoop(func(buf []byte) (int, net.Addr, error) {
			n, _, src, err := u.mconn.ReadFrom(buf)
			return n, src, err
		})
	}

	u.logger.Info("UDP link started",
		zap.String("listen", u.local),
		zap.String("group", u.cfg.Group),
	)
	return nil
}

func (u *UDP) joinGroup() error {
	group, err := net.ResolveUDPAddr("udp4", u.cfg.Group)
	if err != nil {
		return fmt.Errorf("resolve group %q: %w", u.cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return fmt.Errorf("group %s is not a multicast address", group.IP)
	}
	if u.cfg.Interface != "" {
		iface, err := net.InterfaceByName(u.cfg.Interface)
		if err != nil {
			return fmt.Errorf("interface %q: %w", u.cfg.Interface, err)
		}
		u.iface = iface
	}

	c, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return fmt.Errorf("listen group port %d: %w", group.Port, err)
	}
	p := ipv4.NewPacketConn(c)
	if err := p.JoinGroup(u.iface, &net.UDPAddr{IP: group.IP}); err != nil {
		c.Close()
		return fmt.Errorf("join group %s: %w", group.IP, err)
	}

	out := ipv4.NewPacketConn(u.conn)
	if err := out.SetMulticastTTL(multicastTTL); err != nil {
		c.Close()
		return fmt.Errorf("multicast ttl: %w", err)
	}
	if err := out.SetMulticastLoopback(false); err != nil {
		c.Close()
		return fmt.Errorf("multicast loopback: %w", err)
	}
	if u.iface != nil {
		if err := out.SetMulticastInterface(u.iface); err != nil {
			c.Close()
			return fmt.Errorf("multicast interface: %w", err)
		}
	}

	u.group = group
	u.mconn = p
	u.out = out
	return nil
}

func (u *UDP) readLoop(read func([]byte) (int, net.Addr, error)) {
	defer u.wg.Done()
	buf := make([]byte, MaxDatagram)
	for {
		n, src, err := read(buf)
		if err != nil {
			if u.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Warn("UDP read failed", zap.Error(err))
			continue
		}
		if u.fn == nil {
			continue
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		u.fn(src.String(), b)
	}
}

func (u *UDP) SendUnicast(addr string, b []byte) error {
	if u.isClosed() {
		return ErrClosed
	}
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnknownTarget, addr, err)
	}
	_, err = u.conn.WriteToUDP(b, dst)
	return err
}

func (u *UDP) SendBroadcast(b []byte) error {
	if u.isClosed() {
		return ErrClosed
	}
	if u.out != nil {
		_, err := u.out.WriteTo(b, nil, u.group)
		return err
	}

	var errs []error
	for _, addr := range u.cfg.Peers {
		if addr == u.local || addr == u.cfg.Listen {
			continue
		}
		if err := u.SendUnicast(addr, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *UDP) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	var errs []error
	if u.mconn != nil {
		if u.group != nil {
			_ = u.mconn.LeaveGroup(u.iface, &net.UDPAddr{IP: u.group.IP})
		}
		errs = append(errs, u.mconn.Close())
	}
	if u.conn != nil {
		errs = append(errs, u.conn.Close())
	}
	u.wg.Wait()
	return errors.Join(errs...)
}
