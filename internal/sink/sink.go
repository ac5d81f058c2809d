// Package sink delivers report frames to the collector and provides the
// collector's intake side. The transport is chosen by endpoint scheme:
// udp://host:port, nats://host:port/subject or mqtt://host:port/topic.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

const (
	SchemeUDP  = "udp"
	SchemeNATS = "nats"
	SchemeMQTT = "mqtt"
)

var (
	ErrBadEndpoint = errors.New("sink: bad endpoint")
	ErrClosed      = errors.New("sink: closed")
)

// Sink accepts encoded frames. Send is best-effort: failures are returned to
// the caller and never retried.
type Sink interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Endpoint is a parsed sink address.
type Endpoint struct {
	Scheme string
	Host   string // host:port
	Path   string // NATS subject or MQTT topic
}

func (e Endpoint) String() string {
	if e.Path == "" {
		return e.Scheme + "://" + e.Host
	}
	return e.Scheme + "://" + e.Host + "/" + e.Path
}

// ParseEndpoint accepts a scheme URL or a bare host:port, which means UDP.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrBadEndpoint)
	}
	if !strings.Contains(raw, "://") {
		raw = SchemeUDP + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	if u.Host == "" || u.Port() == "" {
		return Endpoint{}, fmt.Errorf("%w: %q needs host:port", ErrBadEndpoint, raw)
	}

	e := Endpoint{Scheme: strings.ToLower(u.Scheme), Host: u.Host, Path: strings.Trim(u.Path, "/")}
	switch e.Scheme {
	case SchemeUDP:
		if e.Path != "" {
			return Endpoint{}, fmt.Errorf("%w: udp endpoint takes no path", ErrBadEndpoint)
		}
	case SchemeNATS, SchemeMQTT:
		if e.Path == "" {
			return Endpoint{}, fmt.Errorf("%w: %s endpoint needs a subject or topic", ErrBadEndpoint, e.Scheme)
		}
		if e.Scheme == SchemeNATS {
			e.Path = strings.ReplaceAll(e.Path, "/", ".")
		}
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrBadEndpoint, e.Scheme)
	}
	return e, nil
}

// Options tune broker connections. Zero values take defaults.
type Options struct {
	ClientID       string
	ConnectTimeout time.Duration
	Attempts       uint
	Delay          time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = "csimesh"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.Attempts == 0 {
		o.Attempts = 5
	}
	if o.Delay <= 0 {
		o.Delay = 500 * time.Millisecond
	}
	return o
}

// Dial opens a Sink for endpoint. Broker connections are retried at startup
// only; once connected, frames are sent exactly once.
func Dial(ctx context.Context, endpoint string, opts Options, logger *zap.Logger) (Sink, error) {
	e, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	var s Sink
	switch e.Scheme {
	case SchemeUDP:
		u, err := DialUDP(e.Host)
		if err != nil {
			return nil, err
		}
		return u, nil
	case SchemeNATS:
		err = connect(ctx, opts, logger, e, func() error {
			n, err := DialNATS(e, opts)
			if err == nil {
				s = n
			}
			return err
		})
	default:
		err = connect(ctx, opts, logger, e, func() error {
			m, err := DialMQTT(e, opts)
			if err == nil {
				s = m
			}
			return err
		})
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func connect(ctx context.Context, opts Options, logger *zap.Logger, e Endpoint, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Delay),
		retry.MaxDelay(10*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Sink connect retry",
				zap.String("endpoint", e.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", e, err)
	}
	logger.Info("Sink connected", zap.String("endpoint", e.String()))
	return nil
}
