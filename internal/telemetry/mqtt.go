package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// MQTTConfig configures the broker connection
type MQTTConfig struct {
	Broker      string        `yaml:"broker"` // host:port or a full URL
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`
}

// publisher is the part of mqtt.Client the sink uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each task as a {path, op, data} JSON message on
// <prefix>/<path>. Replace tasks are retained.
type MQTTSink struct {
	client publisher
	prefix string
	qos    byte

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
}

// NewMQTTSink creates a sink over an already connected client
func NewMQTTSink(client publisher, prefix string, qos byte) *MQTTSink {
	return &MQTTSink{
		client:    client,
		prefix:    strings.TrimRight(prefix, "/"),
		qos:       qos,
		published: make(map[string]uint64),
	}
}

// ConnectMQTT connects to the broker and returns a sink and the client for shutdown
func ConnectMQTT(ctx context.Context, cfg MQTTConfig) (*MQTTSink, mqtt.Client, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "traffic-" + uuid.NewString()[:8]
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		log.Printf("[MQTT] Connected to %s as %s", broker, clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Printf("[MQTT] Connection lost, reconnecting: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token, timeout); err != nil {
		client.Disconnect(250)
		return nil, nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}

	return NewMQTTSink(client, cfg.TopicPrefix, cfg.QoS), client, nil
}

// Write publishes one task
func (s *MQTTSink) Write(ctx context.Context, task pipeline.TelemetryTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		s.countError()
		return fmt.Errorf("encode mqtt payload: %w", err)
	}

	topic := s.Topic(task.Path)
	token := s.client.Publish(topic, s.qos, task.Op == pipeline.OpReplace, payload)
	if err := waitToken(ctx, token, 0); err != nil {
		s.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	s.mu.Lock()
	s.published[topic]++
	s.mu.Unlock()
	return nil
}

// Topic maps a telemetry path onto an MQTT topic
func (s *MQTTSink) Topic(path string) string {
	path = strings.Trim(path, "/")
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// Stats returns the per-topic publish counts and the error count
func (s *MQTTSink) Stats() (map[string]uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return published, s.errors
}

func (s *MQTTSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// waitToken waits for token completion, ctx expiry or, when positive, timeout
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

var _ pipeline.TelemetrySink = (*MQTTSink)(nil)
