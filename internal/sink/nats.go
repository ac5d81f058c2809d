package sink

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS publishes frames on a subject. Publishing is fire-and-forget; the
// client buffers and flushes in the background.
type NATS struct {
	nc      *nats.Conn
	subject string
}

// DialNATS connects once; Dial wraps it in the startup retry.
func DialNATS(e Endpoint, opts Options) (*NATS, error) {
	nc, err := nats.Connect("nats://"+e.Host,
		nats.Name(opts.ClientID),
		nats.Timeout(opts.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", e.Host, err)
	}
	return &NATS{nc: nc, subject: e.Path}, nil
}

func (n *NATS) Send(_ context.Context, frame []byte) error {
	if n.nc.IsClosed() {
		return ErrClosed
	}
	return n.nc.Publish(n.subject, frame)
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}
