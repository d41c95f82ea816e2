package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/c360/dserv/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	Bind            string
	Port            int
	MetricsPort     int
	EnableWebSocket bool
	EnableNATS      bool
	NATSURL         string
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	flags *pflag.FlagSet
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&cfg.ConfigPath, "config", "c",
		getEnv("DSERV_CONFIG", ""),
		"Path to a YAML or JSON configuration file (env: DSERV_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: DSERV_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (env: DSERV_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("DSERV_DEBUG", false),
		"Enable debug logging (env: DSERV_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("DSERV_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: DSERV_SHUTDOWN_TIMEOUT)")

	fs.StringVar(&cfg.Bind, "bind", "", "Listener bind address (env: DSERV_SERVER_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 0, "Listener TCP port (env: DSERV_SERVER_PORT)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", 0,
		"Metrics and health port, 0 disables the endpoint (env: DSERV_METRICS_PORT)")
	fs.BoolVar(&cfg.EnableWebSocket, "websocket", false, "Serve the WebSocket feed (env: DSERV_WEBSOCKET_ENABLED)")
	fs.BoolVar(&cfg.EnableNATS, "nats", false, "Mirror datapoints to NATS (env: DSERV_NATS_ENABLED)")
	fs.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server URL (env: DSERV_NATS_URLS)")

	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(stderr, fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.flags = fs

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

// applyFlags overrides file and environment settings with the flags given
// on the command line.
func applyFlags(cli *CLIConfig, cfg *config.Config) {
	changed := func(name string) bool {
		return cli.flags != nil && cli.flags.Changed(name)
	}

	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if changed("bind") {
		cfg.Server.Bind = cli.Bind
	}
	if changed("port") {
		cfg.Server.Port = cli.Port
	}
	if changed("metrics-port") {
		cfg.Metrics.Enabled = cli.MetricsPort > 0
		if cli.MetricsPort > 0 {
			cfg.Metrics.Port = cli.MetricsPort
		}
	}
	if changed("websocket") {
		cfg.WebSocket.Enabled = cli.EnableWebSocket
	}
	if changed("nats") {
		cfg.NATS.Enabled = cli.EnableNATS
	}
	if changed("nats-url") {
		cfg.NATS.URLs = []string{cli.NATSURL}
	}
}

func printDetailedHelp(w io.Writer, fs *pflag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - real-time datapoint broker

Usage: %s [options]

Options:
`, appName, appName)
	_, _ = fmt.Fprint(w, fs.FlagUsages())
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with defaults on port %d
  %s

  # Run with a config file and text logs
  %s --config=/etc/dserv/dserv.yaml --log-format=text

  # Mirror every datapoint to a local NATS server
  %s --nats --nats-url=nats://localhost:4222

  # Validate configuration only
  %s --config=/etc/dserv/dserv.yaml --validate

Version: %s
Build: %s
`, defaultPort, appName, appName, appName, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
