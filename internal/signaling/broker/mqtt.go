package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	qosExactlyOnce = 2
	publishTimeout = 10 * time.Second
	keepAlive      = 30 * time.Second
)

// PubSub is the slice of a publish/subscribe client the Link needs.
type PubSub interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, handler func(payload []byte)) error

	// Lost is closed when the connection to the broker drops.
	Lost() <-chan struct{}

	Close()
}

// MQTTOptions configures DialMQTT.
type MQTTOptions struct {
	Host string
	Port int

	// WillTopic receives an empty retained message if this client vanishes,
	// so a stale offer is not handed to the next session.
	WillTopic string
}

// MQTT is a PubSub backed by an MQTT broker.
type MQTT struct {
	client mqtt.Client
	lost   chan struct{}
	once   sync.Once
}

func DialMQTT(ctx context.Context, opts MQTTOptions) (*MQTT, error) {
	m := &MQTT{lost: make(chan struct{})}

	co := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port)).
		SetClientID("tappi-" + uuid.NewString()).
		SetCleanSession(true).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logrus.WithError(err).Warn("MQTT connection lost")
			m.once.Do(func() { close(m.lost) })
		})
	if opts.WillTopic != "" {
		co.SetBinaryWill(opts.WillTopic, []byte{}, qosExactlyOnce, true)
	}

	m.client = mqtt.NewClient(co)

	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker %s:%d: %w", opts.Host, opts.Port, err)
	}

	logrus.WithFields(logrus.Fields{"broker": opts.Host, "port": opts.Port}).Debug("MQTT connected")
	return m, nil
}

func (m *MQTT) Publish(topic string, payload []byte, retain bool) error {
	token := m.client.Publish(topic, qosExactlyOnce, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (m *MQTT) Subscribe(topic string, handler func(payload []byte)) error {
	token := m.client.Subscribe(topic, qosExactlyOnce, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	return token.Error()
}

func (m *MQTT) Lost() <-chan struct{} {
	return m.lost
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
