package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/dserv/errors"
)

// Loader merges configuration layers over the defaults.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader reading DSERV_* environment variables.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "DSERV",
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file. Later layers override earlier ones
// field by field.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load validate the merged result.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads the defaults overlaid with a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, every layer, then environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.loadLayer(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadLayer(cfg *Config, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Loader", "loadLayer",
			fmt.Sprintf("recognise format of %s", path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "Loader", "loadLayer", "read "+path)
	}
	if err := decode(data, cfg); err != nil {
		return errors.WrapInvalid(err, "Loader", "loadLayer", "decode "+path)
	}
	return nil
}

// decode overlays data onto cfg. Unknown keys are rejected so typos do not
// silently fall back to defaults.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides applies PREFIX_SECTION_FIELD variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := l.lookupEnv(l.envPrefix + "_" + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := l.lookupEnv(l.envPrefix + "_" + key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, key, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := l.lookupEnv(l.envPrefix + "_" + key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, key, err))
			return
		}
		*dst = b
	}

	str("SERVER_BIND", &cfg.Server.Bind)
	num("SERVER_PORT", &cfg.Server.Port)
	num("SERVER_QUEUE_SIZE", &cfg.Server.QueueSize)
	num("STORE_SHARDS", &cfg.Store.Shards)
	str("EVENTS_DATAPOINT_NAME", &cfg.Events.DatapointName)
	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	num("METRICS_PORT", &cfg.Metrics.Port)
	flag("WEBSOCKET_ENABLED", &cfg.WebSocket.Enabled)
	num("WEBSOCKET_PORT", &cfg.WebSocket.Port)
	flag("NATS_ENABLED", &cfg.NATS.Enabled)
	str("NATS_USERNAME", &cfg.NATS.Username)
	str("NATS_PASSWORD", &cfg.NATS.Password)
	str("NATS_TOKEN", &cfg.NATS.Token)
	str("NATS_PREFIX", &cfg.NATS.Prefix)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	if v, ok := l.lookupEnv(l.envPrefix + "_NATS_URLS"); ok && v != "" {
		cfg.NATS.URLs = strings.Split(v, ",")
	}

	if len(errs) > 0 {
		return errors.WrapInvalid(stderrors.Join(errs...), "Loader", "applyEnvOverrides", "parse environment")
	}
	return nil
}
