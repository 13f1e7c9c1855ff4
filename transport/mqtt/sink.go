// Package mqtt mirrors tracked events onto an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/matt-riley/flagkit/internal/core"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesceMs   = 250
	maxPayloadSize        = 1 << 20
	maxQoS                = 2
)

var (
	// ErrNotConnected is returned when publishing while the broker is unreachable.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrPublishFailed is returned when the broker does not acknowledge a publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

// Config describes the broker connection.
type Config struct {
	// Broker is host:port or a full URL such as "ssl://host:8883".
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicPrefix is prepended to every topic. Defaults to "flagkit".
	TopicPrefix string
	QoS         byte
	Logger      *slog.Logger
}

// publisher is the subset of pahomqtt.Client the sink uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Sink publishes tracked events to "<prefix>/events/<name>".
type Sink struct {
	client publisher
	prefix string
	qos    byte
	logger *slog.Logger
	close  func()
}

// Connect dials the broker and returns a connected sink.
func Connect(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.QoS > maxQoS {
		return nil, fmt.Errorf("%w: mqtt qos %d out of range", core.ErrConfiguration, cfg.QoS)
	}

	client := pahomqtt.NewClient(clientOptions(cfg))
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("mqtt: connect: %w: %w", core.ErrNetwork, ctx.Err())
	case <-time.After(defaultConnectTimeout):
		return nil, fmt.Errorf("mqtt: connect: %w: timeout after %v", core.ErrNetwork, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w: %w", core.ErrNetwork, err)
	}

	s := newSink(client, cfg)
	s.close = func() { client.Disconnect(disconnectQuiesceMs) }
	return s, nil
}

func newSink(client publisher, cfg Config) *Sink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "flagkit"
	}
	return &Sink{client: client, prefix: prefix, qos: cfg.QoS, logger: logger}
}

func clientOptions(cfg Config) *pahomqtt.ClientOptions {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("flagkit-%d", time.Now().UnixNano())
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	return opts
}

// Name identifies the sink as an event delivery target.
func (s *Sink) Name() string {
	return "mqtt"
}

type eventMessage struct {
	Name       string                `json:"name"`
	UserID     string                `json:"user_id"`
	Properties map[string]core.Value `json:"properties,omitempty"`
	SentAt     time.Time             `json:"sent_at"`
}

// Publish sends event to the broker and waits for the acknowledgement.
func (s *Sink) Publish(ctx context.Context, event core.TrackingEvent) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("%w: %w", ErrNotConnected, core.ErrNetwork)
	}

	payload, err := json.Marshal(eventMessage{
		Name:       event.Name,
		UserID:     event.UserID,
		Properties: event.Properties,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("mqtt: encode event: %w", err)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	topic := s.Topic(event.Name)
	token := s.client.Publish(topic, s.qos, false, payload)

	timer := time.NewTimer(defaultPublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w: %w", ErrPublishFailed, core.ErrNetwork, err)
	}

	s.logger.Debug("event mirrored", "topic", topic, "user_id", event.UserID)
	return nil
}

// Topic returns the topic an event named name is published on. Topic
// separators and wildcards in the name are replaced.
func (s *Sink) Topic(name string) string {
	return s.prefix + "/events/" + topicReplacer.Replace(name)
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_", "\x00", "")

// Close disconnects from the broker.
func (s *Sink) Close() {
	if s.close != nil {
		s.close()
	}
}
