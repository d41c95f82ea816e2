package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/event"
	"github.com/c360/dserv/mirror"
	"github.com/c360/dserv/output/websocket"
	"github.com/c360/dserv/server"
	"github.com/c360/dserv/store"
)

// Config is the complete process configuration.
type Config struct {
	Server    server.Config   `json:"server" yaml:"server"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// StoreConfig sizes the datapoint store.
type StoreConfig struct {
	Shards        int  `json:"shards" yaml:"shards"`
	KeysDatapoint bool `json:"keys_datapoint" yaml:"keys_datapoint"`
}

// EventsConfig names the datapoint events are written to.
type EventsConfig struct {
	DatapointName string `json:"datapoint_name" yaml:"datapoint_name"`
}

// MetricsConfig controls the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// WebSocketConfig enables the JSON feed.
type WebSocketConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	websocket.Config `yaml:",inline"`
}

// NATSConfig enables the NATS mirror.
type NATSConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	URLs          []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	mirror.Config `yaml:",inline"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Server: server.DefaultConfig(),
		Store: StoreConfig{
			Shards:        store.DefaultShards,
			KeysDatapoint: true,
		},
		Events: EventsConfig{DatapointName: event.DatapointName},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		WebSocket: WebSocketConfig{Config: websocket.DefaultConfig()},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "dserv",
			MaxReconnects: -1,
			Config:        mirror.DefaultConfig(),
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if c.Store.Shards < 1 {
		errs = append(errs, fmt.Errorf("store: shards must be positive, got %d", c.Store.Shards))
	}
	if c.Events.DatapointName == "" {
		errs = append(errs, stderrors.New("events: datapoint_name is required"))
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.Metrics.Port))
		}
		if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
			errs = append(errs, fmt.Errorf("metrics: port %d collides with server port", c.Metrics.Port))
		}
	}
	if c.WebSocket.Enabled {
		if err := c.WebSocket.Config.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("websocket: %w", err))
		}
	}
	if c.NATS.Enabled {
		if len(c.NATS.URLs) == 0 {
			errs = append(errs, stderrors.New("nats: at least one url is required"))
		}
		if err := c.NATS.Config.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.WrapInvalid(stderrors.Join(errs...), "Config", "Validate", "validate configuration")
	}
	return nil
}

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// SaveToFile writes the configuration as YAML, which Load reads back.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "marshal configuration")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "write "+path)
	}
	return nil
}
