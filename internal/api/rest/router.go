// Package rest provides the Gin-based status API.
package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/saidElhadi/wifi-csi-mesh/internal/telemetry"
)

// QueueStatus describes the capture queue.
type QueueStatus struct {
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Dropped uint64 `json:"dropped"`
}

// ForwarderStatus describes sink delivery.
type ForwarderStatus struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
}

// Status is the body of GET /mesh/status.
type Status struct {
	Node        uint8           `json:"node"`
	Nodes       int             `json:"nodes"`
	State       string          `json:"state"`
	Role        string          `json:"role"`
	Broadcaster *uint8          `json:"broadcaster"`
	Session     string          `json:"session,omitempty"`
	Since       time.Time       `json:"since"`
	Queue       QueueStatus     `json:"queue"`
	Forwarder   ForwarderStatus `json:"forwarder"`
}

// Peer is one row of GET /mesh/peers.
type Peer struct {
	ID      uint8  `json:"id"`
	Address string `json:"address"`
	Self    bool   `json:"self"`
}

// StatusProvider is implemented by a running node.
type StatusProvider interface {
	Status() Status
	Peers() []Peer
}

// Server is the REST API server.
type Server struct {
	engine *gin.Engine
	node   StatusProvider
	logger *zap.Logger
}

// New creates a REST Server. A nil node serves only /healthz and /metrics.
func New(node StatusProvider, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		node:   node,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("REST API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// registerRoutes sets up the /mesh context path.
func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	s.engine.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	if s.node == nil {
		return
	}

	mesh := s.engine.Group("/mesh")
	{
		mesh.GET("/status", s.status)
		mesh.GET("/peers", s.peers)
	}
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Status())
}

func (s *Server) peers(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Peers())
}
