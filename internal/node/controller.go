// Package node runs a sensing node: the token-passing coordinator and the
// capture-to-report pipeline it drives.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saidElhadi/wifi-csi-mesh/internal/api/rest"
	"github.com/saidElhadi/wifi-csi-mesh/internal/config"
	"github.com/saidElhadi/wifi-csi-mesh/internal/link"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
	"github.com/saidElhadi/wifi-csi-mesh/internal/sink"
)

// Controller bootstraps the node, wires all components, and runs until shutdown.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewController creates a Controller.
func NewController(cfg *config.Config, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		logger: logger,
	}
}

// Run bootstraps all components and blocks until SIGINT/SIGTERM or ctx is
// cancelled. Any error before the protocol loop starts is returned as is.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	// --- 1. Peer directory ---
	dir, err := peers.New(peers.NodeID(c.cfg.Node.SelfIndex), c.cfg.Node.Peers)
	if err != nil {
		return fmt.Errorf("peer directory: %w", err)
	}
	logger := c.logger.With(zap.Uint8("node", uint8(dir.Self())))
	logger.Info("Starting sensing node",
		zap.Int("nodes", dir.Count()),
		zap.String("addr", dir.SelfAddr()),
		zap.Bool("seed", c.cfg.Node.Seed == c.cfg.Node.SelfIndex),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// --- 2. Link ---
	listen := c.cfg.Node.Listen
	if listen == "" {
		listen = dir.SelfAddr()
	}
	udp := link.NewUDP(link.UDPConfig{
		Listen:    listen,
		Peers:     dir.Addresses(),
		Group:     c.cfg.Node.MulticastGroup,
		Interface: c.cfg.Node.MulticastInterface,
	}, logger)

	// --- 3. Sink ---
	snk, err := sink.Dial(ctx, c.cfg.Sink.Endpoint, sink.Options{
		ClientID: fmt.Sprintf("csimesh-node-%d", dir.Self()),
	}, logger)
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	defer snk.Close()

	// --- 4. Pipeline ---
	stack, err := NewStack(StackConfig{
		Config:    c.cfg,
		Directory: dir,
		Link:      udp,
		Sink:      snk,
	}, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stack.Run(gctx) })

	// --- 5. Status API ---
	if c.cfg.API.Listen != "" {
		api := rest.New(stack, logger)
		g.Go(func() error { return api.Serve(gctx, c.cfg.API.Listen) })
	}

	// --- 6. Wait for shutdown signal ---
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			logger.Info("Shutdown signal received")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Node stopped", zap.Error(err))
	return err
}
