// Package main implements the dserv entry point. dserv is a real-time
// datapoint broker: clients push named, typed values over TCP and every
// subscriber whose pattern matches receives each update in order.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/c360/dserv/broker"
	"github.com/c360/dserv/config"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/health"
	"github.com/c360/dserv/metric"
	"github.com/c360/dserv/mirror"
	"github.com/c360/dserv/natsclient"
	"github.com/c360/dserv/output/websocket"
	"github.com/c360/dserv/pkg/retry"
	"github.com/c360/dserv/server"
)

// Build information constants
const (
	Version     = server.Version
	BuildTime   = "dev"
	appName     = "dserv"
	defaultPort = server.DefaultPort
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cliCfg, shouldExit, err := initializeCLI(args, stdout, stderr)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting dserv",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	return runWithSignalHandling(ctx, a, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and handles the informational ones.
func initializeCLI(args []string, stdout, stderr io.Writer) (*CLIConfig, bool, error) {
	cliCfg, err := parseFlags(args, stderr)
	if err != nil {
		if stderrors.Is(err, pflag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(stdout, cliCfg.flags)
		return nil, true, nil
	}

	return cliCfg, false, nil
}

// initializeConfiguration layers defaults, the config file, DSERV_*
// variables and flags, then validates the result.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyFlags(cliCfg, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app owns every running component.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	broker  *broker.Broker
	server  *server.Server
	feed    *websocket.Output
	nats    *natsclient.Client
	mirror  *mirror.Mirror
	metrics *metric.Server
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(appName),
	}

	b, err := broker.New(broker.Config{
		Shards:        cfg.Store.Shards,
		QueueSize:     cfg.Server.QueueSize,
		EventName:     cfg.Events.DatapointName,
		KeysDatapoint: cfg.Store.KeysDatapoint,
	}, broker.Deps{Logger: logger, MetricsRegistry: a.registry})
	if err != nil {
		return nil, fmt.Errorf("create broker: %w", err)
	}
	a.broker = b

	a.server, err = server.New(cfg.Server, server.Deps{
		Broker:          b,
		MetricsRegistry: a.registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	a.monitor.Register("server", a.server.Health)

	if cfg.WebSocket.Enabled {
		a.feed, err = websocket.NewOutput(cfg.WebSocket.Config, websocket.Deps{
			Broker:          b,
			MetricsRegistry: a.registry,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create websocket feed: %w", err)
		}
		a.monitor.Register("websocket", a.feed.Health)
	}

	if cfg.NATS.Enabled {
		if err := a.setupNATS(); err != nil {
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry, a.monitor)
	}
	return a, nil
}

func (a *app) setupNATS() error {
	cfg := a.cfg.NATS
	core := a.registry.CoreMetrics()

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(a.logger),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			core.RecordNATSStatus(healthy)
			if healthy {
				core.RecordNATSReconnect()
			}
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(cfg.URLs[0], opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	a.nats = client
	a.monitor.Register("nats", client.Health)

	a.mirror, err = mirror.New(cfg.Config, mirror.Deps{
		Broker:          a.broker,
		Publisher:       client,
		MetricsRegistry: a.registry,
		Logger:          a.logger,
	})
	if err != nil {
		return fmt.Errorf("create mirror: %w", err)
	}
	a.monitor.Register("mirror", a.mirror.Health)
	return nil
}

// start brings components up in dependency order.
func (a *app) start(ctx context.Context) error {
	if a.nats != nil {
		a.logger.Info("Connecting to NATS", "url", a.nats.URL())
		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			if err := a.nats.Connect(ctx); err != nil {
				if errors.IsFatal(err) {
					return retry.NonRetryable(err)
				}
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		if err := a.mirror.Start(ctx); err != nil {
			return fmt.Errorf("start mirror: %w", err)
		}
	}

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	if a.feed != nil {
		if err := a.feed.Start(ctx); err != nil {
			return fmt.Errorf("start websocket feed: %w", err)
		}
	}

	if a.metrics != nil {
		go func() {
			if err := a.metrics.Start(); err != nil {
				a.logger.Error("Metrics server failed", "error", err)
			}
		}()
		a.logger.Info("Metrics server listening", "address", a.metrics.Address())
	}
	return nil
}

// stop tears components down in reverse order. The front ends stop in
// parallel, then the mirror drains before NATS closes. Every component gets
// a chance to stop; the errors are joined.
func (a *app) stop(timeout time.Duration) error {
	var errs []error

	var front []func() error
	if a.metrics != nil {
		front = append(front, func() error {
			if err := a.metrics.Stop(); err != nil {
				return fmt.Errorf("stop metrics server: %w", err)
			}
			return nil
		})
	}
	if a.feed != nil {
		front = append(front, func() error {
			if err := a.feed.Stop(timeout); err != nil {
				return fmt.Errorf("stop websocket feed: %w", err)
			}
			return nil
		})
	}
	front = append(front, func() error {
		if err := a.server.Stop(timeout); err != nil {
			return fmt.Errorf("stop server: %w", err)
		}
		return nil
	})
	if err := stopParallel(front...); err != nil {
		errs = append(errs, err)
	}

	if a.mirror != nil {
		if err := a.mirror.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("stop mirror: %w", err))
		}
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
		cancel()
	}
	a.broker.Close()

	return stderrors.Join(errs...)
}

// stopParallel runs every stop function concurrently and joins all of
// their errors.
func stopParallel(fns ...func() error) error {
	errs := make([]error, len(fns))
	var g errgroup.Group
	for i, fn := range fns {
		g.Go(func() error {
			errs[i] = fn()
			return nil
		})
	}
	_ = g.Wait()
	return stderrors.Join(errs...)
}

// runWithSignalHandling starts the app and blocks until SIGINT, SIGTERM or
// ctx cancellation.
func runWithSignalHandling(ctx context.Context, a *app, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := a.start(signalCtx); err != nil {
		if stopErr := a.stop(shutdownTimeout); stopErr != nil {
			a.logger.Warn("Cleanup after failed start", "error", stopErr)
		}
		return err
	}
	a.logger.Info("dserv started", "components", a.monitor.Components())

	<-signalCtx.Done()
	a.logger.Info("Received shutdown signal, stopping", "timeout", shutdownTimeout)

	if err := a.stop(shutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info("dserv shutdown complete")
	return nil
}
