package node

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saidElhadi/wifi-csi-mesh/internal/api/rest"
	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/config"
	"github.com/saidElhadi/wifi-csi-mesh/internal/forwarder"
	"github.com/saidElhadi/wifi-csi-mesh/internal/link"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
	"github.com/saidElhadi/wifi-csi-mesh/internal/protocol"
	"github.com/saidElhadi/wifi-csi-mesh/internal/sink"
	"github.com/saidElhadi/wifi-csi-mesh/internal/telemetry"
)

// StackConfig holds what a Stack needs beyond the config file.
type StackConfig struct {
	Config    *config.Config
	Directory *peers.Directory
	Link      link.Transport
	Sink      sink.Sink
	// Capture defaults to a Simulated source sized by capture.subcarriers.
	Capture      capture.Capability
	OnTransition func(Transition)
}

// Stack is one node's wired pipeline: link, coordinator, capture feed and
// forwarder.
type Stack struct {
	dir     *peers.Directory
	link    link.Transport
	capture capture.Capability
	queue   *capture.Queue
	coord   *Coordinator
	fwd     *forwarder.Forwarder
	logger  *zap.Logger
}

// NewStack wires a node. Errors here are fatal init errors.
func NewStack(sc StackConfig, logger *zap.Logger) (*Stack, error) {
	cfg := sc.Config
	self := sc.Directory.Self()
	metrics := telemetry.ForNode(strconv.Itoa(int(self)))

	queue, err := capture.NewQueue(cfg.Capture.QueueCapacity)
	if err != nil {
		return nil, err
	}
	queue.OnDrop(metrics.Dropped.Inc)

	codec, err := protocol.CodecByName(cfg.Sink.Codec)
	if err != nil {
		return nil, err
	}

	capability := sc.Capture
	if capability == nil {
		capability = capture.NewSimulated(cfg.Capture.Subcarriers)
	}

	coord, err := NewCoordinator(Config{
		Directory:       sc.Directory,
		Link:            sc.Link,
		Capture:         capability,
		BroadcastWindow: cfg.Protocol.BroadcastWindow,
		SettleDelay:     cfg.Protocol.SettleDelay,
		ProbeInterval:   cfg.Protocol.ProbeInterval,
		ProbeSize:       cfg.Protocol.ProbeSize,
		Seed:            int(self) == cfg.Node.Seed,
		TokenTimeout:    cfg.Protocol.TokenTimeout,
		InboxSize:       cfg.Protocol.InboxSize,
		OnTransition:    sc.OnTransition,
		Metrics:         metrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	feed := capture.NewFeed(queue, cfg.Capture.MaxSampleLen, coord.ListeningTag, capability.NowMicros,
		func(error) { metrics.SerializationError("capture_too_long") }, logger)
	capability.OnSample(feed.Handle)

	fwd := forwarder.New(forwarder.Config{
		Queue:          queue,
		Sink:           sc.Sink,
		Codec:          codec,
		MaxSampleLen:   cfg.Capture.MaxSampleLen,
		MaxFrameSize:   cfg.Sink.MaxFrameSize,
		DequeueTimeout: cfg.Sink.DequeueTimeout,
		Metrics:        metrics,
	}, logger.With(zap.Uint8("node", uint8(self))))

	return &Stack{
		dir:     sc.Directory,
		link:    sc.Link,
		capture: capability,
		queue:   queue,
		coord:   coord,
		fwd:     fwd,
		logger:  logger,
	}, nil
}

// Run starts the link and runs the coordinator and forwarder until ctx is
// done. The link is closed after the coordinator has handed off.
func (s *Stack) Run(ctx context.Context) error {
	if err := s.link.Start(); err != nil {
		return fmt.Errorf("link start: %w", err)
	}
	defer s.link.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.coord.Run(gctx) })
	g.Go(func() error { return s.fwd.Run(gctx) })
	return g.Wait()
}

// Coordinator exposes the node's coordinator.
func (s *Stack) Coordinator() *Coordinator { return s.coord }

// Queue exposes the node's capture queue.
func (s *Stack) Queue() *capture.Queue { return s.queue }

// Forwarder exposes the node's forwarder.
func (s *Stack) Forwarder() *forwarder.Forwarder { return s.fwd }

// Status implements rest.StatusProvider.
func (s *Stack) Status() rest.Status {
	snap := s.coord.Snapshot()
	fs := s.fwd.Stats()
	st := rest.Status{
		Node:    uint8(s.dir.Self()),
		Nodes:   s.dir.Count(),
		State:   snap.State.String(),
		Role:    snap.State.Role().String(),
		Session: snap.Session,
		Since:   snap.Since,
		Queue: rest.QueueStatus{
			Len:     s.queue.Len(),
			Cap:     s.queue.Cap(),
			Dropped: s.queue.Dropped(),
		},
		Forwarder: rest.ForwarderStatus{Sent: fs.Sent, Failed: fs.Failed, Rejected: fs.Rejected},
	}
	if snap.Tag != peers.None {
		tag := uint8(snap.Tag)
		st.Broadcaster = &tag
	}
	return st
}

// Peers implements rest.StatusProvider.
func (s *Stack) Peers() []rest.Peer {
	addrs := s.dir.Addresses()
	out := make([]rest.Peer, len(addrs))
	for i, a := range addrs {
		out[i] = rest.Peer{ID: uint8(i), Address: a, Self: peers.NodeID(i) == s.dir.Self()}
	}
	return out
}
