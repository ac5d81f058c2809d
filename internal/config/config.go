package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
	"github.com/saidElhadi/wifi-csi-mesh/internal/protocol"
	"github.com/saidElhadi/wifi-csi-mesh/internal/sink"
)

// EnvPrefix namespaces environment overrides, e.g. CSIMESH_NODE_SELFINDEX.
const EnvPrefix = "CSIMESH"

// Config is the root configuration struct
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Sink     SinkConfig     `mapstructure:"sink"`
	API      APIConfig      `mapstructure:"api"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// NodeConfig holds the node's identity and the shared peer table
type NodeConfig struct {
	Count              int      `mapstructure:"count"`
	SelfIndex          int      `mapstructure:"selfIndex"`
	Seed               int      `mapstructure:"seed"`
	Peers              []string `mapstructure:"peers"`
	Listen             string   `mapstructure:"listen"`
	MulticastGroup     string   `mapstructure:"multicastGroup"`
	MulticastInterface string   `mapstructure:"multicastInterface"`
}

// ProtocolConfig holds the coordination timings
type ProtocolConfig struct {
	BroadcastWindow time.Duration `mapstructure:"broadcastWindow"`
	SettleDelay     time.Duration `mapstructure:"settleDelay"`
	ProbeInterval   time.Duration `mapstructure:"probeInterval"`
	ProbeSize       int           `mapstructure:"probeSize"`
	TokenTimeout    time.Duration `mapstructure:"tokenTimeout"`
	InboxSize       int           `mapstructure:"inboxSize"`
}

// CaptureConfig sizes the capture pipeline
type CaptureConfig struct {
	QueueCapacity int `mapstructure:"queueCapacity"`
	MaxSampleLen  int `mapstructure:"maxSampleLen"`
	Subcarriers   int `mapstructure:"subcarriers"`
}

// SinkConfig selects where reports go
type SinkConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Codec          string        `mapstructure:"codec"`
	MaxFrameSize   int           `mapstructure:"maxFrameSize"`
	DequeueTimeout time.Duration `mapstructure:"dequeueTimeout"`
}

// APIConfig holds the status server settings
type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// MonitorConfig holds the collector settings
type MonitorConfig struct {
	Listen  string `mapstructure:"listen"`
	Archive string `mapstructure:"archive"`
	Codec   string `mapstructure:"codec"`
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration Load yields with no file or environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Defaults matching the deployed firmware
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.count", 0)
	v.SetDefault("node.selfIndex", 0)
	v.SetDefault("node.seed", 0)
	v.SetDefault("node.peers", []string{})
	v.SetDefault("node.listen", "")
	v.SetDefault("node.multicastGroup", "")
	v.SetDefault("node.multicastInterface", "")
	v.SetDefault("protocol.broadcastWindow", 2000*time.Millisecond)
	v.SetDefault("protocol.settleDelay", 100*time.Millisecond)
	v.SetDefault("protocol.probeInterval", 100*time.Millisecond)
	v.SetDefault("protocol.probeSize", protocol.DefaultProbeSize)
	v.SetDefault("protocol.tokenTimeout", time.Duration(0))
	v.SetDefault("protocol.inboxSize", 64)
	v.SetDefault("capture.queueCapacity", 10)
	v.SetDefault("capture.maxSampleLen", 512)
	v.SetDefault("capture.subcarriers", 64)
	v.SetDefault("sink.endpoint", "udp://192.168.4.1:5000")
	v.SetDefault("sink.codec", "text")
	v.SetDefault("sink.maxFrameSize", protocol.DefaultMaxFrameSize)
	v.SetDefault("sink.dequeueTimeout", 100*time.Millisecond)
	v.SetDefault("api.listen", ":8090")
	v.SetDefault("monitor.listen", ":5000")
	v.SetDefault("monitor.archive", "./csi-archive")
	v.SetDefault("monitor.codec", "text")
}

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks everything a node needs before it starts.
func (c *Config) Validate() error {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	n := len(c.Node.Peers)
	switch {
	case n == 0:
		add("node.peers is empty")
	case n > peers.MaxNodes:
		add("node.peers has %d entries, at most %d allowed", n, peers.MaxNodes)
	}
	if c.Node.Count != 0 && c.Node.Count != n {
		add("node.count %d does not match %d peers", c.Node.Count, n)
	}
	if n > 0 && (c.Node.SelfIndex < 0 || c.Node.SelfIndex >= n) {
		add("node.selfIndex %d out of range [0,%d)", c.Node.SelfIndex, n)
	}
	if n > 0 && (c.Node.Seed < 0 || c.Node.Seed >= n) {
		add("node.seed %d out of range [0,%d)", c.Node.Seed, n)
	}
	if n > 0 && n <= peers.MaxNodes && c.Node.SelfIndex >= 0 && c.Node.SelfIndex < n {
		if _, err := peers.New(peers.NodeID(c.Node.SelfIndex), c.Node.Peers); err != nil {
			add("node.peers: %v", err)
		}
	}

	pc := c.Protocol
	if pc.BroadcastWindow <= 0 {
		add("protocol.broadcastWindow must be positive")
	}
	if pc.SettleDelay < 0 {
		add("protocol.settleDelay must not be negative")
	}
	if pc.ProbeInterval <= 0 {
		add("protocol.probeInterval must be positive")
	}
	if pc.ProbeSize < 2 {
		add("protocol.probeSize must be at least 2 to differ from control messages")
	}
	if pc.TokenTimeout < 0 {
		add("protocol.tokenTimeout must not be negative")
	}
	if pc.InboxSize < 1 {
		add("protocol.inboxSize must be at least 1")
	}

	if c.Capture.QueueCapacity < 1 {
		add("capture.queueCapacity must be at least 1")
	}
	if c.Capture.MaxSampleLen < 1 || c.Capture.MaxSampleLen > 0xFFFF {
		add("capture.maxSampleLen must be in [1,65535]")
	}
	if c.Capture.Subcarriers < 1 || 2*c.Capture.Subcarriers > c.Capture.MaxSampleLen {
		add("capture.subcarriers must be positive and fit maxSampleLen")
	}

	if _, err := sink.ParseEndpoint(c.Sink.Endpoint); err != nil {
		add("sink.endpoint: %v", err)
	}
	if _, err := protocol.CodecByName(c.Sink.Codec); err != nil {
		add("sink.codec: %v", err)
	}
	if c.Sink.MaxFrameSize < 1 {
		add("sink.maxFrameSize must be positive")
	}
	if c.Sink.DequeueTimeout <= 0 {
		add("sink.dequeueTimeout must be positive")
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

// ValidateMonitor checks the collector settings.
func (c *Config) ValidateMonitor() error {
	var p []string
	if strings.TrimSpace(c.Monitor.Listen) == "" {
		p = append(p, "monitor.listen is empty")
	}
	if strings.TrimSpace(c.Monitor.Archive) == "" {
		p = append(p, "monitor.archive is empty")
	}
	if _, err := protocol.CodecByName(c.Monitor.Codec); err != nil {
		p = append(p, fmt.Sprintf("monitor.codec: %v", err))
	}
	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

// IsValidation reports whether err came from Validate.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
