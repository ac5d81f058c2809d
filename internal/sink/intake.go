package sink

import (
	"context"
	"errors"
	"fmt"
	"net"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// FrameFunc receives one frame at the collector. The slice is owned by the
// callee.
type FrameFunc func(frame []byte)

// Intake is the collector side of a sink endpoint.
type Intake interface {
	// Run delivers frames to fn until ctx is done.
	Run(ctx context.Context, fn FrameFunc) error
	// Name is the metrics label for this intake.
	Name() string
}

// Listen builds the intake matching endpoint. For UDP the host part is the
// local bind address.
func Listen(ctx context.Context, endpoint string, opts Options, logger *zap.Logger) (Intake, error) {
	e, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	switch e.Scheme {
	case SchemeUDP:
		return &udpIntake{addr: e.Host, logger: logger}, nil
	case SchemeNATS:
		var nc *nats.Conn
		err := connect(ctx, opts, logger, e, func() (err error) {
			nc, err = nats.Connect("nats://"+e.Host, nats.Name(opts.ClientID+"-monitor"), nats.Timeout(opts.ConnectTimeout))
			return err
		})
		if err != nil {
			return nil, err
		}
		return &natsIntake{nc: nc, subject: e.Path}, nil
	default:
		var client mqtt.Client
		err := connect(ctx, opts, logger, e, func() error {
			c := mqtt.NewClient(mqtt.NewClientOptions().
				AddBroker("tcp://" + e.Host).
				SetClientID(opts.ClientID + "-monitor").
				SetConnectTimeout(opts.ConnectTimeout).
				SetAutoReconnect(true))
			t := c.Connect()
			if !t.WaitTimeout(opts.ConnectTimeout) {
				return fmt.Errorf("mqtt connect %s: timed out", e.Host)
			}
			if t.Error() != nil {
				return t.Error()
			}
			client = c
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &mqttIntake{client: client, topic: e.Path}, nil
	}
}

type udpIntake struct {
	addr   string
	logger *zap.Logger
}

func (u *udpIntake) Name() string { return SchemeUDP }

func (u *udpIntake) Run(ctx context.Context, fn FrameFunc) error {
	conn, err := net.ListenPacket("udp", u.addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", u.addr, err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	u.logger.Info("Monitor listening", zap.String("addr", conn.LocalAddr().String()))

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("monitor read: %w", err)
		}
		fn(append([]byte(nil), buf[:n]...))
	}
}

type natsIntake struct {
	nc      *nats.Conn
	subject string
}

func (n *natsIntake) Name() string { return SchemeNATS }

func (n *natsIntake) Run(ctx context.Context, fn FrameFunc) error {
	sub, err := n.nc.Subscribe(n.subject, func(m *nats.Msg) {
		fn(append([]byte(nil), m.Data...))
	})
	if err != nil {
		n.nc.Close()
		return fmt.Errorf("nats subscribe %s: %w", n.subject, err)
	}
	<-ctx.Done()
	_ = sub.Unsubscribe()
	return n.nc.Drain()
}

type mqttIntake struct {
	client mqtt.Client
	topic  string
}

func (m *mqttIntake) Name() string { return SchemeMQTT }

func (m *mqttIntake) Run(ctx context.Context, fn FrameFunc) error {
	t := m.client.Subscribe(m.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		// copy payload to avoid reuse by client
		fn(append([]byte(nil), msg.Payload()...))
	})
	if t.Wait() && t.Error() != nil {
		m.client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe %s: %w", m.topic, t.Error())
	}
	<-ctx.Done()
	m.client.Unsubscribe(m.topic).WaitTimeout(mqttPublishTimeout)
	m.client.Disconnect(250)
	return nil
}
