// Package config loads flagkit configuration from environment variables and
// an optional .env file.
//
// Required variables:
//   - FLAGKIT_SDK_KEY: SDK key issued for the account.
//   - FLAGKIT_ACCOUNT_ID: numeric account id (must be > 0).
//
// Optional variables:
//   - FLAGKIT_TRANSPORT: "http" (default), "grpc" or "file".
//   - FLAGKIT_BASE_URL: backend URL for the http transport.
//   - FLAGKIT_GRPC_ADDR: backend host:port for the grpc transport.
//   - FLAGKIT_SETTINGS_FILE: JSON or YAML settings file, required for "file".
//   - FLAGKIT_DECISIONS: "local" (default) evaluates downloaded settings;
//     "remote" asks the backend for every decision.
//   - FLAGKIT_LOG_LEVEL: debug, info (default), warn or error.
//   - FLAGKIT_DATABASE_URL: PostgreSQL store for device ids and settings.
//   - FLAGKIT_STATE_PATH: SQLite store used when no database URL is set.
//   - FLAGKIT_POLL_INTERVAL: settings refresh interval (default "0s", off).
//   - FLAGKIT_SETTINGS_CACHE_TTL: settings cache freshness (default "5m").
//   - FLAGKIT_INIT_TIMEOUT: initialization deadline (default "15s", > 0).
//   - FLAGKIT_MQTT_BROKER: host:port of an MQTT broker for event mirroring.
//   - FLAGKIT_BATCH_MIN_SIZE: with the http transport and the SQLite store,
//     events that fail to send are queued and uploaded once this many wait
//     (default 0, interval only).
//   - FLAGKIT_BATCH_INTERVAL: queued event upload interval (default "3m").
//   - FLAGKIT_METRICS_ADDR: listen address for /metrics.
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME: tracing export.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
	TransportFile = "file"

	DecisionsLocal  = "local"
	DecisionsRemote = "remote"
)

// Config holds the runtime configuration for a flagkit client process.
type Config struct {
	SDKKey           string        `env:"FLAGKIT_SDK_KEY"`
	AccountID        int64         `env:"FLAGKIT_ACCOUNT_ID"`
	Transport        string        `env:"FLAGKIT_TRANSPORT" envDefault:"http"`
	BaseURL          string        `env:"FLAGKIT_BASE_URL" envDefault:"http://localhost:8080"`
	GRPCAddr         string        `env:"FLAGKIT_GRPC_ADDR" envDefault:"localhost:9090"`
	SettingsFile     string        `env:"FLAGKIT_SETTINGS_FILE"`
	Decisions        string        `env:"FLAGKIT_DECISIONS" envDefault:"local"`
	LogLevel         string        `env:"FLAGKIT_LOG_LEVEL" envDefault:"info"`
	DatabaseURL      string        `env:"FLAGKIT_DATABASE_URL"`
	StatePath        string        `env:"FLAGKIT_STATE_PATH" envDefault:"flagkit-state.db"`
	DeviceScope      string        `env:"FLAGKIT_DEVICE_SCOPE" envDefault:"flagkit-demo"`
	PollInterval     time.Duration `env:"FLAGKIT_POLL_INTERVAL" envDefault:"0s"`
	SettingsCacheTTL time.Duration `env:"FLAGKIT_SETTINGS_CACHE_TTL" envDefault:"5m"`
	InitTimeout      time.Duration `env:"FLAGKIT_INIT_TIMEOUT" envDefault:"15s"`
	MQTTBroker       string        `env:"FLAGKIT_MQTT_BROKER"`
	MQTTTopicPrefix  string        `env:"FLAGKIT_MQTT_TOPIC_PREFIX" envDefault:"flagkit"`
	BatchMinSize     int           `env:"FLAGKIT_BATCH_MIN_SIZE" envDefault:"0"`
	BatchInterval    time.Duration `env:"FLAGKIT_BATCH_INTERVAL" envDefault:"3m"`
	MetricsAddr      string        `env:"FLAGKIT_METRICS_ADDR"`
	OTLPEndpoint     string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName      string        `env:"OTEL_SERVICE_NAME" envDefault:"flagkit"`

	Demo Demo `envPrefix:"FLAGKIT_DEMO_"`
}

// Demo holds the inputs the demo driver exercises.
type Demo struct {
	Flag           string `env:"FLAG" envDefault:"feature-key"`
	Variable       string `env:"VARIABLE" envDefault:"variable_key"`
	Event          string `env:"EVENT" envDefault:"productViewed"`
	UserID         string `env:"USER_ID"`
	AttributeKey   string `env:"ATTRIBUTE_KEY" envDefault:"userType"`
	AttributeValue string `env:"ATTRIBUTE_VALUE" envDefault:"paid"`
}

// Load reads configuration from the environment after loading a .env file
// from the working directory, if one exists. Variables already set in the
// environment take precedence over the file.
func Load() (Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit dotenv files. Missing files are ignored.
func LoadFiles(paths ...string) (Config, error) {
	if err := loadDotEnv(paths); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c Config) Validate() error {
	if c.SDKKey == "" {
		return errors.New("FLAGKIT_SDK_KEY is required")
	}
	if c.AccountID <= 0 {
		return errors.New("FLAGKIT_ACCOUNT_ID must be > 0")
	}

	switch c.Transport {
	case TransportHTTP:
		if c.BaseURL == "" {
			return errors.New("FLAGKIT_BASE_URL is required for the http transport")
		}
	case TransportGRPC:
		if c.GRPCAddr == "" {
			return errors.New("FLAGKIT_GRPC_ADDR is required for the grpc transport")
		}
	case TransportFile:
		if c.SettingsFile == "" {
			return errors.New("FLAGKIT_SETTINGS_FILE is required for the file transport")
		}
	default:
		return fmt.Errorf("FLAGKIT_TRANSPORT must be one of http, grpc, file; got %q", c.Transport)
	}

	switch c.Decisions {
	case DecisionsLocal:
	case DecisionsRemote:
		if c.Transport == TransportFile {
			return errors.New("FLAGKIT_DECISIONS=remote needs the http or grpc transport")
		}
	default:
		return fmt.Errorf("FLAGKIT_DECISIONS must be local or remote; got %q", c.Decisions)
	}

	if c.PollInterval < 0 {
		return errors.New("FLAGKIT_POLL_INTERVAL must be >= 0")
	}
	if c.SettingsCacheTTL < 0 {
		return errors.New("FLAGKIT_SETTINGS_CACHE_TTL must be >= 0")
	}
	if c.InitTimeout <= 0 {
		return errors.New("FLAGKIT_INIT_TIMEOUT must be > 0")
	}
	if c.BatchMinSize < 0 {
		return errors.New("FLAGKIT_BATCH_MIN_SIZE must be >= 0")
	}
	if c.BatchInterval <= 0 {
		return errors.New("FLAGKIT_BATCH_INTERVAL must be > 0")
	}
	return nil
}

func (c *Config) normalize() {
	c.SDKKey = strings.TrimSpace(c.SDKKey)
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.GRPCAddr = strings.TrimSpace(c.GRPCAddr)
	c.SettingsFile = strings.TrimSpace(c.SettingsFile)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.MQTTBroker = strings.TrimSpace(c.MQTTBroker)
	c.MetricsAddr = strings.TrimSpace(c.MetricsAddr)
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)

	c.Transport = orDefault(c.Transport, TransportHTTP)
	c.Decisions = orDefault(strings.ToLower(strings.TrimSpace(c.Decisions)), DecisionsLocal)
	c.LogLevel = orDefault(strings.TrimSpace(c.LogLevel), "info")
	c.StatePath = orDefault(strings.TrimSpace(c.StatePath), "flagkit-state.db")
	c.DeviceScope = orDefault(strings.TrimSpace(c.DeviceScope), "flagkit-demo")
	c.MQTTTopicPrefix = orDefault(strings.Trim(strings.TrimSpace(c.MQTTTopicPrefix), "/"), "flagkit")
	c.ServiceName = orDefault(strings.TrimSpace(c.ServiceName), "flagkit")
}

func loadDotEnv(paths []string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
