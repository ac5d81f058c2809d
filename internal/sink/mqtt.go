package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttPublishTimeout = 2 * time.Second

var errPublishTimeout = errors.New("sink: mqtt publish timed out")

// MQTT publishes frames at QoS 0 on a topic.
type MQTT struct {
	client mqtt.Client
	topic  string
}

// DialMQTT connects once; Dial wraps it in the startup retry.
func DialMQTT(e Endpoint, opts Options) (*MQTT, error) {
	o := mqtt.NewClientOptions().
		AddBroker("tcp://" + e.Host).
		SetClientID(opts.ClientID).
		SetConnectTimeout(opts.ConnectTimeout).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(o)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", e.Host)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", e.Host, err)
	}
	return &MQTT{client: client, topic: e.Path}, nil
}

// Send copies frame because the client may still hold the payload after
// Publish returns.
func (m *MQTT) Send(_ context.Context, frame []byte) error {
	payload := append([]byte(nil), frame...)
	token := m.client.Publish(m.topic, 0, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return errPublishTimeout
	}
	return token.Error()
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
