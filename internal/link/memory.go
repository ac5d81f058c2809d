package link

import (
	"fmt"
	"sync"
)

// LossFunc decides whether a datagram is lost in flight. Returning true drops it.
type LossFunc func(from, to string, b []byte) bool

// Hub connects Memory endpoints by address. It stands in for the radio medium.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Memory
	loss      LossFunc
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Memory)}
}

// SetLoss installs a loss hook. nil restores lossless delivery.
func (h *Hub) SetLoss(fn LossFunc) {
	h.mu.Lock()
	h.loss = fn
	h.mu.Unlock()
}

// Endpoint creates the transport for addr.
func (h *Hub) Endpoint(addr string) *Memory {
	m := &Memory{
		hub:      h,
		addr:     addr,
		incoming: make(chan datagram, 256),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.endpoints[addr] = m
	h.mu.Unlock()
	return m
}

func (h *Hub) deliver(from, to string, b []byte) error {
	h.mu.RLock()
	target, ok := h.endpoints[to]
	loss := h.loss
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, to)
	}
	if loss != nil && loss(from, to, b) {
		return nil
	}
	target.push(from, b)
	return nil
}

func (h *Hub) others(self string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.endpoints))
	for addr := range h.endpoints {
		if addr != self {
			out = append(out, addr)
		}
	}
	return out
}

func (h *Hub) remove(addr string) {
	h.mu.Lock()
	delete(h.endpoints, addr)
	h.mu.Unlock()
}

type datagram struct {
	from string
	b    []byte
}

// Memory is an in-process Transport attached to a Hub.
type Memory struct {
	hub      *Hub
	addr     string
	incoming chan datagram
	fn       ReceiveFunc

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (m *Memory) LocalAddr() string { return m.addr }

func (m *Memory) OnReceive(fn ReceiveFunc) { m.fn = fn }

func (m *Memory) Start() error {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case d := <-m.incoming:
				if m.fn != nil {
					m.fn(d.from, d.b)
				}
			}
		}
	}()
	return nil
}

func (m *Memory) SendUnicast(addr string, b []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	return m.hub.deliver(m.addr, addr, b)
}

func (m *Memory) SendBroadcast(b []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	for _, addr := range m.hub.others(m.addr) {
		if err := m.hub.deliver(m.addr, addr, b); err != nil {
			return err
		}
	}
	return nil
}

// push copies b and queues it; a full buffer drops, like a busy radio.
func (m *Memory) push(from string, b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case m.incoming <- datagram{from: from, b: cp}:
	default:
	}
}

func (m *Memory) Close() error {
	m.once.Do(func() {
		m.hub.remove(m.addr)
		close(m.done)
	})
	m.wg.Wait()
	return nil
}
