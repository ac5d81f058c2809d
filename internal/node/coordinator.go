package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/link"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
	"github.com/saidElhadi/wifi-csi-mesh/internal/protocol"
	"github.com/saidElhadi/wifi-csi-mesh/internal/telemetry"
)

// Timing defaults, as tuned on the deployed radios.
const (
	DefaultBroadcastWindow = 2 * time.Second
	DefaultSettleDelay     = 100 * time.Millisecond
	DefaultProbeInterval   = 100 * time.Millisecond
	DefaultInboxSize       = 64
)

var (
	ErrNoDirectory  = errors.New("node: peer directory required")
	ErrNoLink       = errors.New("node: link transport required")
	ErrNoCapture    = errors.New("node: capture capability required")
	ErrBadTiming    = errors.New("node: timing values must be positive")
	ErrBadProbeSize = errors.New("node: probe size must be at least 2 bytes")
)

// Config wires a Coordinator.
type Config struct {
	Directory *peers.Directory
	Link      link.Transport
	Capture   capture.Capability

	BroadcastWindow time.Duration
	SettleDelay     time.Duration
	ProbeInterval   time.Duration
	ProbeSize       int
	// Seed starts the node in Announcing instead of Idle.
	Seed bool
	// TokenTimeout enables the lost-token watchdog when positive.
	TokenTimeout time.Duration
	InboxSize    int

	// OnTransition runs on the coordinator goroutine for every state change.
	// It must not block.
	OnTransition func(Transition)
	Metrics      *telemetry.NodeMetrics
}

// Coordinator runs the token-passing protocol for one node. All role state is
// owned by the Run goroutine; other goroutines see it through Snapshot.
type Coordinator struct {
	cfg     Config
	dir     *peers.Directory
	link    link.Transport
	capture capture.Capability
	decoder protocol.Decoder
	metrics *telemetry.NodeMetrics
	logger  *zap.Logger
	warn    *rate.Limiter

	inbox    chan inbound
	snapshot atomic.Pointer[Snapshot]

	// owned by Run
	state   State
	tag     peers.NodeID
	session string

	settle   *time.Timer
	window   *time.Timer
	probes   *time.Ticker
	watchdog *time.Timer
}

// NewCoordinator validates cfg and registers the coordinator as the link's
// receive callback. The link must be started afterwards.
func NewCoordinator(cfg Config, logger *zap.Logger) (*Coordinator, error) {
	switch {
	case cfg.Directory == nil:
		return nil, ErrNoDirectory
	case cfg.Link == nil:
		return nil, ErrNoLink
	case cfg.Capture == nil:
		return nil, ErrNoCapture
	}
	if cfg.BroadcastWindow == 0 {
		cfg.BroadcastWindow = DefaultBroadcastWindow
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeSize == 0 {
		cfg.ProbeSize = protocol.DefaultProbeSize
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.BroadcastWindow < 0 || cfg.SettleDelay < 0 || cfg.ProbeInterval < 0 || cfg.TokenTimeout < 0 {
		return nil, ErrBadTiming
	}
	if cfg.ProbeSize < 2 || cfg.ProbeSize > link.MaxDatagram {
		return nil, fmt.Errorf("%w: %d", ErrBadProbeSize, cfg.ProbeSize)
	}
	self := cfg.Directory.Self()
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.ForNode(strconv.Itoa(int(self)))
	}

	c := &Coordinator{
		cfg:     cfg,
		dir:     cfg.Directory,
		link:    cfg.Link,
		capture: cfg.Capture,
		decoder: protocol.Decoder{Self: self, Count: cfg.Directory.Count(), ProbeSize: cfg.ProbeSize},
		metrics: cfg.Metrics,
		logger:  logger.With(zap.Uint8("node", uint8(self))),
		warn:    rate.NewLimiter(rate.Every(time.Second), 5),
		inbox:   make(chan inbound, cfg.InboxSize),
		state:   StateIdle,
		tag:     peers.None,
	}
	c.publish()
	cfg.Link.OnReceive(c.Deliver)
	return c, nil
}

// Deliver queues a received datagram for the Run loop. It never blocks; a
// full inbox drops the datagram.
func (c *Coordinator) Deliver(from string, b []byte) {
	select {
	case c.inbox <- inbound{from: from, b: b}:
	default:
		c.metrics.InboxDropped.Inc()
	}
}

// Snapshot returns the most recently published state.
func (c *Coordinator) Snapshot() Snapshot { return *c.snapshot.Load() }

// ListeningTag reports the broadcaster samples should be attributed to, and
// whether the node is listening at all. It is a capture.TagSource.
func (c *Coordinator) ListeningTag() (peers.NodeID, bool) {
	s := c.snapshot.Load()
	return s.Tag, s.State == StateListening
}

// Run drives the state machine until ctx is done, then hands off the token
// if this node holds it.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("Coordinator running",
		zap.Int("nodes", c.dir.Count()),
		zap.Bool("seed", c.cfg.Seed),
		zap.Duration("window", c.cfg.BroadcastWindow),
	)
	defer c.stopTimers()

	c.armWatchdog()
	if c.cfg.Seed {
		c.announce()
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case in := <-c.inbox:
			c.handle(in)
		case <-timerC(c.settle):
			c.settle = nil
			c.startBroadcasting()
		case <-tickerC(c.probes):
			c.probe()
		case <-timerC(c.window):
			c.window = nil
			c.endWindow()
		case <-timerC(c.watchdog):
			c.watchdog = nil
			c.tokenLost()
		}
	}
}

func (c *Coordinator) handle(in inbound) {
	if in.from == c.dir.SelfAddr() || in.from == c.link.LocalAddr() {
		c.metrics.ProtocolError("loopback")
		if c.warn.Allow() {
			c.logger.Debug("Discarding own datagram", zap.Int("bytes", len(in.b)))
		}
		return
	}
	sender, ok := c.dir.IDOf(in.from)
	if !ok {
		c.protocolError("unknown_sender", in, nil)
		return
	}
	msg, err := c.decoder.Decode(in.b)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownNode) {
			reason = "unknown_node"
		}
		c.protocolError(reason, in, err)
		return
	}
	c.armWatchdog()

	switch msg.Kind {
	case protocol.KindToken:
		c.onToken(sender)
	case protocol.KindEnable:
		c.onEnable(sender, msg.Value)
	case protocol.KindDisable:
		c.onDisable(sender)
	case protocol.KindProbe:
		if c.state == StateListening && sender == c.tag {
			c.capture.Observe(in.from, in.b)
		}
	}
}

func (c *Coordinator) onToken(sender peers.NodeID) {
	switch c.state {
	case StateIdle:
		c.announce()
	case StateListening:
		// the previous broadcaster's disable was lost or reordered
		c.disableCapture()
		c.announce()
	default:
		c.logger.Debug("Duplicate token ignored",
			zap.Uint8("from", uint8(sender)),
			zap.Stringer("state", c.state),
		)
	}
}

func (c *Coordinator) onEnable(sender, tag peers.NodeID) {
	switch c.state {
	case StateIdle:
		c.listen(tag)
	case StateListening:
		if tag != c.tag {
			c.listen(tag)
		}
	default:
		c.metrics.ProtocolError("conflict")
		c.logger.Warn("Enable received while holding the token",
			zap.Uint8("from", uint8(sender)),
			zap.Uint8("tag", uint8(tag)),
			zap.Stringer("state", c.state),
		)
	}
}

// onDisable only honours the broadcaster being listened to, so a late
// disable from a finished session cannot end the next one.
func (c *Coordinator) onDisable(sender peers.NodeID) {
	if c.state != StateListening {
		return
	}
	if sender != c.tag {
		c.logger.Debug("Stale disable ignored",
			zap.Uint8("from", uint8(sender)),
			zap.Uint8("tag", uint8(c.tag)),
		)
		return
	}
	c.disableCapture()
	c.setState(StateIdle, peers.None)
}

func (c *Coordinator) listen(tag peers.NodeID) {
	if err := c.capture.Enable(tag); err != nil {
		c.logger.Error("Capture enable failed", zap.Uint8("tag", uint8(tag)), zap.Error(err))
		return
	}
	c.setState(StateListening, tag)
}

func (c *Coordinator) disableCapture() {
	if err := c.capture.Disable(); err != nil {
		c.logger.Error("Capture disable failed", zap.Error(err))
	}
}

// announce takes the token: tell every peer, in directory order, to capture
// tagged with self, then wait for them to settle.
func (c *Coordinator) announce() {
	self := c.dir.Self()
	c.session = uuid.NewString()
	c.setState(StateAnnouncing, self)

	enable := protocol.Control(self)
	for _, id := range c.dir.Others() {
		c.sendTo(id, enable)
	}
	c.settle = time.NewTimer(c.cfg.SettleDelay)
}

func (c *Coordinator) startBroadcasting() {
	c.setState(StateBroadcasting, c.dir.Self())
	c.window = time.NewTimer(c.cfg.BroadcastWindow)
	c.probes = time.NewTicker(c.cfg.ProbeInterval)
	c.probe()
}

func (c *Coordinator) probe() {
	if err := c.link.SendBroadcast(protocol.Probe(c.cfg.ProbeSize)); err != nil {
		c.metrics.PeerErrors.Inc()
		if c.warn.Allow() {
			c.logger.Warn("Probe send failed", zap.Error(err))
		}
	}
}

// endWindow disables every listener, passes the token on, and goes idle.
func (c *Coordinator) endWindow() {
	c.stopProbes()
	c.handOff()
	c.setState(StateIdle, peers.None)

	// a single-node mesh keeps the token
	if c.dir.Count() == 1 {
		c.announce()
	}
}

func (c *Coordinator) handOff() {
	disable := protocol.Disable()
	for _, id := range c.dir.Others() {
		c.sendTo(id, disable)
	}
	next := c.dir.Next(c.dir.Self())
	if next != c.dir.Self() {
		c.sendTo(next, protocol.Control(next))
		c.logger.Debug("Token passed", zap.Uint8("next", uint8(next)), zap.String("session", c.session))
	}
}

func (c *Coordinator) tokenLost() {
	switch c.state {
	case StateIdle, StateListening:
		c.logger.Warn("No coordination traffic, taking the token",
			zap.Duration("timeout", c.watchdogTimeout()),
			zap.Stringer("state", c.state),
		)
		if c.state == StateListening {
			c.disableCapture()
		}
		c.announce()
	}
	c.armWatchdog()
}

func (c *Coordinator) shutdown() {
	switch c.state {
	case StateAnnouncing, StateBroadcasting:
		c.stopProbes()
		c.handOff()
	case StateListening:
		c.disableCapture()
	}
	if c.state != StateIdle {
		c.setState(StateIdle, peers.None)
	}
	c.logger.Info("Coordinator stopped")
}

func (c *Coordinator) sendTo(id peers.NodeID, b []byte) {
	addr, err := c.dir.AddressOf(id)
	if err == nil {
		err = c.link.SendUnicast(addr, b)
	}
	if err != nil {
		c.metrics.PeerErrors.Inc()
		if c.warn.Allow() {
			c.logger.Warn("Peer send failed", zap.Uint8("peer", uint8(id)), zap.Error(err))
		}
	}
}

func (c *Coordinator) protocolError(reason string, in inbound, err error) {
	c.metrics.ProtocolError(reason)
	if c.warn.Allow() {
		c.logger.Warn("Discarding datagram",
			zap.String("reason", reason),
			zap.String("from", in.from),
			zap.Int("bytes", len(in.b)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) setState(to State, tag peers.NodeID) {
	from := c.state
	c.state = to
	c.tag = tag
	if !to.HoldsToken() {
		c.session = ""
	}
	c.publish()

	c.metrics.Transition(to.String())
	c.metrics.Broadcaster.Set(float64(tag))
	c.logger.Debug("State change",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Uint8("tag", uint8(tag)),
	)
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(Transition{
			Node:    c.dir.Self(),
			From:    from,
			To:      to,
			Tag:     tag,
			Session: c.session,
			At:      time.Now(),
		})
	}
}

func (c *Coordinator) publish() {
	c.snapshot.Store(&Snapshot{State: c.state, Tag: c.tag, Session: c.session, Since: time.Now()})
}

// watchdogTimeout staggers the lost-token timeout by node index so the
// lowest surviving index promotes first.
func (c *Coordinator) watchdogTimeout() time.Duration {
	return c.cfg.TokenTimeout + time.Duration(c.dir.Self())*c.cfg.BroadcastWindow
}

func (c *Coordinator) armWatchdog() {
	if c.cfg.TokenTimeout <= 0 {
		return
	}
	if c.watchdog == nil {
		c.watchdog = time.NewTimer(c.watchdogTimeout())
		return
	}
	if !c.watchdog.Stop() {
		select {
		case <-c.watchdog.C:
		default:
		}
	}
	c.watchdog.Reset(c.watchdogTimeout())
}

func (c *Coordinator) stopProbes() {
	if c.probes != nil {
		c.probes.Stop()
		c.probes = nil
	}
	if c.window != nil {
		c.window.Stop()
		c.window = nil
	}
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}

func (c *Coordinator) stopTimers() {
	c.stopProbes()
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
