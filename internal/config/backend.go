package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Backend holds the configuration of the development backend.
//
// Required variables:
//   - FLAGKIT_BACKEND_SETTINGS_FILE: JSON or YAML settings file to serve.
//   - FLAGKIT_BACKEND_SDK_KEYS or FLAGKIT_BACKEND_SDK_KEY_HASHES: accepted
//     SDK keys, plain or as bcrypt hashes, comma separated.
//
// Optional variables:
//   - FLAGKIT_BACKEND_HTTP_ADDR (default ":8080"), FLAGKIT_BACKEND_GRPC_ADDR
//     (default ":9090").
//   - FLAGKIT_BACKEND_STATE_PATH: SQLite store for attributes and the event
//     journal (default "flagkit-backend.db").
//   - FLAGKIT_BACKEND_DATABASE_URL: PostgreSQL event journal.
//   - FLAGKIT_BACKEND_MQTT_BROKER: host:port of an MQTT broker events are
//     mirrored to.
//   - FLAGKIT_BACKEND_RELOAD_INTERVAL: settings file check interval ("2s").
//   - FLAGKIT_BACKEND_STREAM_POLL_INTERVAL: /v1/stream change check ("1s").
//   - FLAGKIT_BACKEND_AUTH_FAILURES_PER_MINUTE: failed SDK keys allowed per
//     client IP (default 10).
//   - FLAGKIT_BACKEND_REQUESTS_PER_MINUTE: requests allowed per account, 0
//     disables the limit.
type Backend struct {
	HTTPAddr              string        `env:"FLAGKIT_BACKEND_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr              string        `env:"FLAGKIT_BACKEND_GRPC_ADDR" envDefault:":9090"`
	SettingsFile          string        `env:"FLAGKIT_BACKEND_SETTINGS_FILE"`
	SDKKeys               []string      `env:"FLAGKIT_BACKEND_SDK_KEYS" envSeparator:","`
	SDKKeyHashes          []string      `env:"FLAGKIT_BACKEND_SDK_KEY_HASHES" envSeparator:","`
	StatePath             string        `env:"FLAGKIT_BACKEND_STATE_PATH" envDefault:"flagkit-backend.db"`
	DatabaseURL           string        `env:"FLAGKIT_BACKEND_DATABASE_URL"`
	MQTTBroker            string        `env:"FLAGKIT_BACKEND_MQTT_BROKER"`
	MQTTTopicPrefix       string        `env:"FLAGKIT_BACKEND_MQTT_TOPIC_PREFIX" envDefault:"flagkit"`
	ReloadInterval        time.Duration `env:"FLAGKIT_BACKEND_RELOAD_INTERVAL" envDefault:"2s"`
	StreamPollInterval    time.Duration `env:"FLAGKIT_BACKEND_STREAM_POLL_INTERVAL" envDefault:"1s"`
	AuthFailuresPerMinute int           `env:"FLAGKIT_BACKEND_AUTH_FAILURES_PER_MINUTE" envDefault:"10"`
	RequestsPerMinute     int           `env:"FLAGKIT_BACKEND_REQUESTS_PER_MINUTE" envDefault:"0"`
	LogLevel              string        `env:"FLAGKIT_BACKEND_LOG_LEVEL" envDefault:"info"`
	OTLPEndpoint          string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName           string        `env:"OTEL_SERVICE_NAME" envDefault:"flagkit-backend"`
}

// LoadBackend reads FLAGKIT_BACKEND_* variables after loading .env.
func LoadBackend() (Backend, error) {
	return LoadBackendFiles(".env")
}

// LoadBackendFiles is LoadBackend with explicit dotenv files.
func LoadBackendFiles(paths ...string) (Backend, error) {
	if err := loadDotEnv(paths); err != nil {
		return Backend{}, err
	}

	var cfg Backend
	if err := env.Parse(&cfg); err != nil {
		return Backend{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Backend{}, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c Backend) Validate() error {
	if c.SettingsFile == "" {
		return errors.New("FLAGKIT_BACKEND_SETTINGS_FILE is required")
	}
	if len(c.SDKKeys) == 0 && len(c.SDKKeyHashes) == 0 {
		return errors.New("FLAGKIT_BACKEND_SDK_KEYS or FLAGKIT_BACKEND_SDK_KEY_HASHES is required")
	}
	if c.HTTPAddr == "" && c.GRPCAddr == "" {
		return errors.New("at least one of FLAGKIT_BACKEND_HTTP_ADDR and FLAGKIT_BACKEND_GRPC_ADDR is required")
	}
	if c.ReloadInterval <= 0 {
		return errors.New("FLAGKIT_BACKEND_RELOAD_INTERVAL must be > 0")
	}
	if c.StreamPollInterval <= 0 {
		return errors.New("FLAGKIT_BACKEND_STREAM_POLL_INTERVAL must be > 0")
	}
	if c.AuthFailuresPerMinute <= 0 {
		return errors.New("FLAGKIT_BACKEND_AUTH_FAILURES_PER_MINUTE must be > 0")
	}
	if c.RequestsPerMinute < 0 {
		return errors.New("FLAGKIT_BACKEND_REQUESTS_PER_MINUTE must be >= 0")
	}
	return nil
}

func (c *Backend) normalize() {
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.GRPCAddr = strings.TrimSpace(c.GRPCAddr)
	c.SettingsFile = strings.TrimSpace(c.SettingsFile)
	c.SDKKeys = trimAll(c.SDKKeys)
	c.SDKKeyHashes = trimAll(c.SDKKeyHashes)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.MQTTBroker = strings.TrimSpace(c.MQTTBroker)
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)

	c.StatePath = orDefault(strings.TrimSpace(c.StatePath), "flagkit-backend.db")
	c.MQTTTopicPrefix = orDefault(strings.Trim(strings.TrimSpace(c.MQTTTopicPrefix), "/"), "flagkit")
	c.LogLevel = orDefault(strings.TrimSpace(c.LogLevel), "info")
	c.ServiceName = orDefault(strings.TrimSpace(c.ServiceName), "flagkit-backend")
}

// trimAll drops blank entries left by stray commas.
func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
