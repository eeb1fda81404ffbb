package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chipster6/adaptive-routing-engine/internal/config"
	"github.com/chipster6/adaptive-routing-engine/internal/eventbus"
	"github.com/chipster6/adaptive-routing-engine/internal/routing"
	"github.com/chipster6/adaptive-routing-engine/internal/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "routing-engine",
		Short: "Adaptive multi-provider request routing and failover engine",
	}

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("configuration OK: %d service(s)\n", len(cfg.Services))
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("routing-engine %s (%s)\n", version, commit)
		},
	}

	root.AddCommand(serveCmd, validateCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"version":  version,
		"services": len(cfg.Services),
	}).Info("Starting adaptive routing engine")

	bus := eventbus.NewBus(cfg.Events, logger)
	defer bus.Close()

	var sink *eventbus.RedisSink
	if cfg.Events.Redis.Enabled {
		sink = eventbus.NewRedisSink(cfg.Events.Redis, logger)
		sink.Attach(bus)
		defer sink.Stop()
		logger.WithField("addr", cfg.Events.Redis.Addr).Info("Event export to Redis enabled")
	}

	engine := routing.NewEngine(cfg.Engine, bus, logger)
	for _, dist := range cfg.Services {
		if err := engine.UpdateTrafficDistribution(dist); err != nil {
			return fmt.Errorf("configuring service %q: %w", dist.Service, err)
		}
	}
	engine.Start()
	defer engine.Stop()

	srv, err := server.NewServer(engine, cfg.ToServerConfig(), logger)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	// Hot reload picks up service distribution changes without a restart.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			for _, dist := range next.Services {
				if err := engine.UpdateTrafficDistribution(dist); err != nil {
					logger.WithError(err).WithField("service", dist.Service).
						Error("Failed to apply reloaded distribution")
				}
			}
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Config hot reload unavailable")
		} else {
			defer watcher.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	switch cfg.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Warn("Falling back to stdout for log output")
		} else {
			logger.SetOutput(f)
		}
	}

	return logger
}
