// Package emitter publishes the monitor's output over MQTT: brightness
// samples as MsgPack batches, analysis results and status as JSON.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/rheed/internal/config"
)

// ErrNotConnected is returned by publishes while the broker is unreachable
var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTEmitter publishes to the MQTT broker. Client is shared with the
// control plane once Connect succeeds.
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client

	connected atomic.Bool
	errors    atomic.Uint64

	mu        sync.Mutex
	published map[string]uint64
}

// NewMQTTEmitter creates an emitter; nothing is dialled until Connect
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// brokerURL accepts host:port or a full URL
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// offlineStatus is the retained will message the broker publishes on the
// status topic if the daemon drops off without disconnecting
func (e *MQTTEmitter) offlineStatus() []byte {
	payload, _ := json.Marshal(map[string]string{
		"instance_id": e.cfg.InstanceID,
		"event":       "offline",
	})
	return payload
}

func (e *MQTTEmitter) clientOptions() *mqtt.ClientOptions {
	broker := brokerURL(e.cfg.MQTT.Broker)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(e.cfg.InstanceID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2*time.Second).
		SetMaxReconnectInterval(30*time.Second).
		SetBinaryWill(e.cfg.MQTT.Topics.Status, e.offlineStatus(), e.qos("status"), true)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		e.connected.Store(true)
		slog.Info("mqtt connected", "broker", broker, "client_id", e.cfg.InstanceID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		e.connected.Store(false)
		slog.Warn("mqtt connection lost, reconnecting", "broker", broker, "error", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		slog.Debug("mqtt reconnect attempt", "broker", broker)
	})
	return opts
}

// Connect dials the broker and waits for the first connection
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	e.Client = mqtt.NewClient(e.clientOptions())
	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connect to %s: timed out after %s", e.cfg.MQTT.Broker, connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", e.cfg.MQTT.Broker, err)
	}
	e.connected.Store(true)
	return nil
}

// PublishSamples publishes a MsgPack sample batch
func (e *MQTTEmitter) PublishSamples(batch SampleBatch) error {
	payload, err := EncodeBatch(batch)
	if err != nil {
		e.errors.Add(1)
		return fmt.Errorf("encode sample batch: %w", err)
	}
	return e.publish(e.cfg.MQTT.Topics.Samples, e.qos("samples"), false, payload)
}

// PublishAnalysis publishes an analysis result as JSON
func (e *MQTTEmitter) PublishAnalysis(result any) error {
	return e.publishJSON(e.cfg.MQTT.Topics.Analysis, e.qos("analysis"), false, result)
}

// PublishStatus publishes a status event as JSON. The last status is
// retained so late subscribers see the current state.
func (e *MQTTEmitter) PublishStatus(status any) error {
	return e.publishJSON(e.cfg.MQTT.Topics.Status, e.qos("status"), true, status)
}

func (e *MQTTEmitter) publishJSON(topic string, qos byte, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.errors.Add(1)
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	return e.publish(topic, qos, retained, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if e.Client == nil || !e.connected.Load() {
		e.errors.Add(1)
		return ErrNotConnected
	}

	token := e.Client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.errors.Add(1)
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		e.errors.Add(1)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published", "topic", topic, "qos", qos, "bytes", len(payload))
	return nil
}

// Disconnect closes the connection. A clean disconnect does not trigger
// the will message.
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.connected.Store(false)
	return nil
}

// Stats contains emitter counters
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter counters
func (e *MQTTEmitter) Stats() Stats {
	e.mu.Lock()
	published := make(map[string]uint64, len(e.published))
	for topic, n := range e.published {
		published[topic] = n
	}
	e.mu.Unlock()

	return Stats{
		Connected: e.connected.Load(),
		Published: published,
		Errors:    e.errors.Load(),
	}
}

func (e *MQTTEmitter) qos(kind string) byte {
	return e.cfg.MQTT.QoS[kind]
}
