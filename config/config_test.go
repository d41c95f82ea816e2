package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/server"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, server.DefaultPort, cfg.Server.Port)
	assert.Equal(t, "eventlog/events", cfg.Events.DatapointName)
	assert.False(t, cfg.NATS.Enabled)
	assert.False(t, cfg.WebSocket.Enabled)
}

func TestLoader_YAMLLayer(t *testing.T) {
	path := writeFile(t, "dserv.yaml", `
server:
  port: 5000
  write_timeout: 2s
store:
  shards: 8
websocket:
  enabled: true
  port: 8090
  path: /feed
nats:
  enabled: true
  urls: [nats://a:4222, nats://b:4222]
  prefix: lab
  patterns: ["ess/*"]
`)
	l := newTestLoader(nil)
	l.EnableValidation(true)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 1024, cfg.Server.QueueSize, "unset fields keep defaults")
	assert.Equal(t, 8, cfg.Store.Shards)
	assert.True(t, cfg.WebSocket.Enabled)
	assert.Equal(t, "/feed", cfg.WebSocket.Path)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "lab", cfg.NATS.Prefix)
	assert.Equal(t, []string{"ess/*"}, cfg.NATS.Patterns)
	assert.Equal(t, 4, cfg.NATS.Workers)
}

func TestLoader_JSONLayer(t *testing.T) {
	path := writeFile(t, "dserv.json", `{"server": {"bind": "127.0.0.1"}, "log": {"level": "debug"}}`)
	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Bind)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_LayersOverrideInOrder(t *testing.T) {
	base := writeFile(t, "base.yaml", "server:\n  port: 5000\nstore:\n  shards: 4\n")
	prod := writeFile(t, "prod.yml", "server:\n  port: 6000\n")

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(prod)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Store.Shards)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown field", "a.yaml", "server:\n  prot: 1\n"},
		{"bad type", "b.yaml", "server:\n  port: many\n"},
		{"bad extension", "c.toml", "port = 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(nil).LoadFile(writeFile(t, tt.file, tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	_, err := newTestLoader(nil).LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_EmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := newTestLoader(nil).LoadFile(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := newTestLoader(map[string]string{
		"DSERV_SERVER_PORT":       "4700",
		"DSERV_SERVER_BIND":       "10.0.0.1",
		"DSERV_STORE_SHARDS":      "16",
		"DSERV_METRICS_ENABLED":   "false",
		"DSERV_NATS_ENABLED":      "true",
		"DSERV_NATS_URLS":         "nats://x:1,nats://y:2",
		"DSERV_NATS_TOKEN":        "secret",
		"DSERV_WEBSOCKET_ENABLED": "1",
		"DSERV_LOG_FORMAT":        "text",
	})
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 4700, cfg.Server.Port)
	assert.Equal(t, "10.0.0.1", cfg.Server.Bind)
	assert.Equal(t, 16, cfg.Store.Shards)
	assert.False(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://x:1", "nats://y:2"}, cfg.NATS.URLs)
	assert.Equal(t, "secret", cfg.NATS.Token)
	assert.True(t, cfg.WebSocket.Enabled)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoader_EnvOverrideParseError(t *testing.T) {
	l := newTestLoader(map[string]string{
		"DSERV_SERVER_PORT":     "abc",
		"DSERV_METRICS_ENABLED": "maybe",
	})
	_, err := l.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DSERV_SERVER_PORT")
	assert.Contains(t, err.Error(), "DSERV_METRICS_ENABLED")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "server"},
		{"shards", func(c *Config) { c.Store.Shards = 0 }, "shards"},
		{"event name", func(c *Config) { c.Events.DatapointName = "" }, "datapoint_name"},
		{"metrics port", func(c *Config) { c.Metrics.Port = 0 }, "metrics"},
		{"metrics collision", func(c *Config) { c.Metrics.Port = c.Server.Port }, "collides"},
		{"websocket path", func(c *Config) { c.WebSocket.Enabled = true; c.WebSocket.Path = "" }, "websocket"},
		{"nats urls", func(c *Config) { c.NATS.Enabled = true; c.NATS.URLs = nil }, "url"},
		{"nats prefix", func(c *Config) { c.NATS.Enabled = true; c.NATS.Prefix = "" }, "nats"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	// Disabled sections are not validated.
	cfg := Default()
	cfg.NATS.URLs = nil
	cfg.WebSocket.Path = ""
	assert.NoError(t, cfg.Validate())
}

func TestConfig_SaveToFileRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 4999
	cfg.NATS.Enabled = true
	cfg.NATS.Patterns = []string{"a/*", "b"}
	cfg.WebSocket.PingInterval = 15 * time.Second

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "tok"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "\"tok\"")
	assert.Contains(t, s, "****")
	assert.Equal(t, "hunter2", cfg.NATS.Password, "String must not modify the config")
}
