package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saidElhadi/wifi-csi-mesh/internal/api/rest"
	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/config"
	"github.com/saidElhadi/wifi-csi-mesh/internal/node"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
	"github.com/saidElhadi/wifi-csi-mesh/internal/protocol"
	"github.com/saidElhadi/wifi-csi-mesh/internal/sink"
	"github.com/saidElhadi/wifi-csi-mesh/internal/storage/archive"
	"github.com/saidElhadi/wifi-csi-mesh/internal/telemetry"
)

var (
	cfgFile   string
	debug     bool
	selfIndex int

	monitorListen  string
	monitorArchive string
	monitorCSV     string
	monitorMetrics string

	exportArchive string
	exportTag     int
	exportSince   uint64
	exportUntil   uint64
	exportOut     string

	simNodes    int
	simDuration time.Duration
	simLoss     float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "csimesh",
		Short:        "csimesh — token-coordinated WiFi CSI sensing mesh",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Development logging")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Run a sensing node",
		RunE:  runStart,
	}
	startCmd.Flags().IntVarP(&selfIndex, "self", "s", -1, "Override node.selfIndex")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Collect report frames and archive them",
		RunE:  runMonitor,
	}
	monitorCmd.Flags().StringVarP(&monitorListen, "listen", "l", "", "Override monitor.listen (udp://:5000, nats://host:4222/subject, mqtt://host:1883/topic)")
	monitorCmd.Flags().StringVar(&monitorArchive, "archive", "", "Override monitor.archive")
	monitorCmd.Flags().StringVar(&monitorCSV, "csv", "", "Also append every frame to this CSV file")
	monitorCmd.Flags().StringVar(&monitorMetrics, "metrics", "", "Serve /metrics on this address")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Dump archived samples as CSV",
		RunE:  runExport,
	}
	exportCmd.Flags().StringVar(&exportArchive, "archive", "", "Override monitor.archive")
	exportCmd.Flags().IntVarP(&exportTag, "tag", "t", -1, "Only samples captured for this broadcaster")
	exportCmd.Flags().Uint64Var(&exportSince, "since", 0, "Earliest timestamp (µs)")
	exportCmd.Flags().Uint64Var(&exportUntil, "until", 0, "Latest timestamp (µs)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process mesh and report what it did",
		RunE:  runSimulate,
	}
	simulateCmd.Flags().IntVarP(&simNodes, "nodes", "n", 3, "Number of nodes")
	simulateCmd.Flags().DurationVarP(&simDuration, "duration", "d", 10*time.Second, "How long to run")
	simulateCmd.Flags().Float64Var(&simLoss, "loss", 0, "Fraction of datagrams lost in flight")

	rootCmd.AddCommand(startCmd, monitorCmd, exportCmd, simulateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if selfIndex >= 0 {
		cfg.Node.SelfIndex = selfIndex
	}

	ctrl := node.NewController(cfg, logger)
	return ctrl.Run(context.Background())
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if monitorListen != "" {
		cfg.Monitor.Listen = monitorListen
	}
	if monitorArchive != "" {
		cfg.Monitor.Archive = monitorArchive
	}
	if err := cfg.ValidateMonitor(); err != nil {
		return err
	}
	codec, err := protocol.CodecByName(cfg.Monitor.Codec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := archive.NewPebbleArchive(cfg.Monitor.Archive, logger)
	if err := store.Init(); err != nil {
		return err
	}
	defer store.Close()

	var tee *archive.CSVWriter
	if monitorCSV != "" {
		f, err := os.OpenFile(monitorCSV, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("csv: %w", err)
		}
		defer f.Close()
		if tee, err = archive.NewCSVWriter(f); err != nil {
			return fmt.Errorf("csv: %w", err)
		}
		defer tee.Flush()
	}

	intake, err := sink.Listen(ctx, cfg.Monitor.Listen, sink.Options{ClientID: "csimesh"}, logger)
	if err != nil {
		return err
	}
	archived := telemetry.FramesArchived.WithLabelValues(intake.Name())
	rejected := telemetry.FramesRejected.WithLabelValues(intake.Name())

	logger.Info("Monitor running",
		zap.String("listen", cfg.Monitor.Listen),
		zap.String("archive", cfg.Monitor.Archive),
		zap.String("codec", codec.Name()),
	)
	g, gctx := errgroup.WithContext(ctx)
	if monitorMetrics != "" {
		api := rest.New(nil, logger)
		g.Go(func() error { return api.Serve(gctx, monitorMetrics) })
	}

	// broker intakes call back from their own goroutines, possibly after Run
	// returns, so frames is never closed
	frames := make(chan []byte, 256)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return intake.Run(gctx, func(frame []byte) {
			select {
			case frames <- frame:
			default:
				rejected.Inc()
			}
		})
	})

loop:
	for {
		select {
		case frame := <-frames:
			archiveFrame(frame, codec, store, tee, archived, rejected, logger)
		case <-done:
			break loop
		}
	}
	for len(frames) > 0 {
		archiveFrame(<-frames, codec, store, tee, archived, rejected, logger)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Monitor stopped")
	return nil
}

func archiveFrame(frame []byte, codec protocol.Codec, store *archive.PebbleArchive, tee *archive.CSVWriter,
	archived, rejected prometheus.Counter, logger *zap.Logger) {
	s, err := codec.Decode(frame)
	if err != nil {
		rejected.Inc()
		logger.Debug("Undecodable frame", zap.Int("bytes", len(frame)), zap.Error(err))
		return
	}
	if err := store.Put(s); err != nil {
		rejected.Inc()
		logger.Warn("Archive write failed", zap.Error(err))
		return
	}
	if tee != nil {
		if err := tee.Write(s); err != nil {
			logger.Warn("CSV write failed", zap.Error(err))
		}
	}
	archived.Inc()
	logger.Debug("Frame archived", zap.Uint8("tag", uint8(s.Tag)), zap.Uint64("ts", s.Timestamp), zap.Uint16("length", s.Length))
}

func runExport(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	path := cfg.Monitor.Archive
	if exportArchive != "" {
		path = exportArchive
	}

	filter := archive.Filter{Since: exportSince, Until: exportUntil}
	if exportTag >= 0 {
		if exportTag >= peers.MaxNodes {
			return fmt.Errorf("tag %d out of range", exportTag)
		}
		tag := peers.NodeID(exportTag)
		filter.Tag = &tag
	}

	out := os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	store := archive.NewPebbleArchive(path, zap.NewNop())
	if err := store.Init(); err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Export(filter, out)
	if err != nil {
		return err
	}
	logger.Info("Export complete", zap.Int("rows", n), zap.String("archive", path))
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := node.Simulate(ctx, node.SimulationConfig{
		Base:     cfg,
		Nodes:    simNodes,
		Duration: simDuration,
		Loss:     simLoss,
	}, logger)
	if err != nil {
		return err
	}

	seq := make([]string, len(report.Broadcasters))
	for i, id := range report.Broadcasters {
		seq[i] = fmt.Sprint(id)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "broadcasters: %s\n", strings.Join(seq, " "))
	fmt.Fprintf(w, "max concurrent broadcasters: %d\n", report.MaxConcurrent)
	fmt.Fprintf(w, "frames at sink: %d\n", len(report.Frames))
	for _, n := range report.Nodes {
		fmt.Fprintf(w, "node %d: sent=%d dropped=%d rejected=%d\n", n.ID, n.Sent, n.Dropped, n.Rejected)
	}
	if len(report.Frames) > 0 {
		if s, err := protocolDecode(cfg.Sink.Codec, report.Frames[0]); err == nil {
			fmt.Fprintf(w, "first frame: tag=%d ts=%d length=%d\n", s.Tag, s.Timestamp, s.Length)
		}
	}
	return nil
}

func protocolDecode(codecName string, frame []byte) (capture.Sample, error) {
	codec, err := protocol.CodecByName(codecName)
	if err != nil {
		return capture.Sample{}, err
	}
	return codec.Decode(frame)
}
