package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saidElhadi/wifi-csi-mesh/internal/config"
	"github.com/saidElhadi/wifi-csi-mesh/internal/link"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
	"github.com/saidElhadi/wifi-csi-mesh/internal/sink"
)

// SimulationConfig describes an in-process mesh run.
type SimulationConfig struct {
	// Base supplies timings, capture sizing and codec; peers are generated.
	Base     *config.Config
	Nodes    int
	Duration time.Duration
	// Loss is the fraction of datagrams dropped in flight, 0 to 1.
	Loss float64
}

// NodeReport summarises one simulated node.
type NodeReport struct {
	ID       peers.NodeID
	Sent     uint64
	Dropped  uint64
	Rejected uint64
}

// SimulationReport is what a simulation observed.
type SimulationReport struct {
	Broadcasters  []peers.NodeID // in the order nodes entered Broadcasting
	MaxConcurrent int
	Frames        [][]byte
	Nodes         []NodeReport
}

// Simulate runs Nodes coordinators over a memory hub, all reporting to one
// in-process sink, for Duration.
func Simulate(ctx context.Context, sc SimulationConfig, logger *zap.Logger) (*SimulationReport, error) {
	if sc.Nodes < 1 || sc.Nodes > peers.MaxNodes {
		return nil, fmt.Errorf("simulate: node count %d out of range", sc.Nodes)
	}
	cfg := *sc.Base
	addrs := make([]string, sc.Nodes)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("sim-%d", i)
	}
	cfg.Node.Peers = addrs
	cfg.Node.Count = sc.Nodes
	if cfg.Node.Seed >= sc.Nodes {
		cfg.Node.Seed = 0
	}

	hub := link.NewHub()
	if sc.Loss > 0 {
		hub.SetLoss(newLossFunc(sc.Loss))
	}
	rec := sink.NewRecorder()

	var (
		mu      sync.Mutex
		report  = &SimulationReport{}
		current int
	)
	onTransition := func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		if tr.From == StateBroadcasting {
			current--
		}
		if tr.To == StateBroadcasting {
			current++
			report.Broadcasters = append(report.Broadcasters, tr.Node)
			if current > report.MaxConcurrent {
				report.MaxConcurrent = current
			}
		}
	}

	stacks := make([]*Stack, sc.Nodes)
	for i := range stacks {
		dir, err := peers.New(peers.NodeID(i), addrs)
		if err != nil {
			return nil, err
		}
		s, err := NewStack(StackConfig{
			Config:       &cfg,
			Directory:    dir,
			Link:         hub.Endpoint(dir.SelfAddr()),
			Sink:         rec,
			OnTransition: onTransition,
		}, logger.With(zap.Int("sim", i)))
		if err != nil {
			return nil, err
		}
		stacks[i] = s
	}

	runCtx, cancel := context.WithTimeout(ctx, sc.Duration)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, s := range stacks {
		s := s
		g.Go(func() error { return s.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	report.Frames = rec.Frames()
	for i, s := range stacks {
		fs := s.Forwarder().Stats()
		report.Nodes = append(report.Nodes, NodeReport{
			ID:       peers.NodeID(i),
			Sent:     fs.Sent,
			Dropped:  s.Queue().Dropped(),
			Rejected: fs.Rejected,
		})
	}
	return report, nil
}

// newLossFunc drops a deterministic fraction of datagrams.
func newLossFunc(rate float64) link.LossFunc {
	var (
		mu  sync.Mutex
		acc float64
	)
	return func(_, _ string, _ []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		acc += rate
		if acc >= 1 {
			acc--
			return true
		}
		return false
	}
}
