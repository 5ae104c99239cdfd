package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/INLOpen/walog/compressors"
	"github.com/INLOpen/walog/config"
	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/hooks"
	"github.com/INLOpen/walog/internal/app"
	"github.com/INLOpen/walog/replication"
	"github.com/INLOpen/walog/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := app.CreateLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Slave exited with an error", "error", err)
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
	logger.Info("Application exited gracefully.")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Log.Dir == "" {
		return errors.New("log dir must be specified in the configuration file")
	}
	if cfg.Replication.MasterAddress == "" {
		return errors.New("replication.master_address must be specified in the configuration file")
	}

	tp, tracerCleanup, err := app.InitTracerProvider(cfg.Tracing, "walog-slave", logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	hookManager := hooks.NewHookManager(logger)
	defer hookManager.Stop()
	app.LogEvents(hookManager, logger,
		hooks.EventPostReplicaStateChange,
		hooks.EventPostContinuityViolation,
		hooks.EventPostSegmentRoll,
		hooks.EventPostRecoveryTruncate,
		hooks.EventPostPipelineFatal,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	replMetrics := replication.NewMetrics(reg)

	src, err := newSource(cfg.Replication)
	if err != nil {
		return err
	}
	if c, ok := src.(interface{ Close() error }); ok {
		defer c.Close()
	}

	logOpts := cfg.Log.WALOptions(logger)
	logOpts.TracerProvider = tp
	logOpts.MetricsPrefix = "walog_"
	engine, err := replication.NewSlaveEngine(replication.SlaveOptions{
		Log:              logOpts,
		Logger:           logger,
		HookManager:      hookManager,
		Metrics:          replMetrics,
		RetryInterval:    config.ParseDuration(cfg.Replication.RetryInitial, 100*time.Millisecond, logger),
		RetryMaxInterval: config.ParseDuration(cfg.Replication.RetryMax, 10*time.Second, logger),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("Failed to close local log", "error", err)
		}
	}()

	systemCollector := server.NewSystemCollector(cfg.Log.Dir, 5*time.Second, logger)
	systemCollector.Publish("walog_")
	systemCollector.Start()
	defer systemCollector.Stop()

	if cfg.Debug.Enabled {
		metricSrv := server.NewMetricsServer(&cfg.Debug, reg, logger)
		go func() {
			if err := metricSrv.Start(); err != nil {
				logger.Error("Failed to start metrics server", "error", err)
			}
		}()
		defer metricSrv.Stop()
	}

	if err := engine.Start(src); err != nil {
		return err
	}
	logger.Info("Slave running. Press Ctrl+C to exit.",
		"master", cfg.Replication.MasterAddress,
		"transport", cfg.Replication.Transport,
		"start_lsn", core.FormatLSN(engine.StartLSN()),
	)

	ctx, stop := app.SignalContext(context.Background())
	defer stop()

	ticker := time.NewTicker(config.ParseDuration(cfg.Replication.LagLogPeriod, 10*time.Second, logger))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			logLag(logger, engine)
		case <-engine.Done():
			if err := engine.Err(); err != nil {
				return fmt.Errorf("replication stopped: %w", err)
			}
			return nil
		case <-ctx.Done():
			logger.Info("Shutdown signal received. Stopping replication...")
			return nil
		}
	}
}

// newSource builds the stream source selected by the replication config.
func newSource(cfg config.ReplicationConfig) (replication.Source, error) {
	switch strings.ToLower(cfg.Transport) {
	case "", "tcp":
		comp, err := compressors.Parse(cfg.Compression)
		if err != nil {
			return nil, err
		}
		return &replication.TCPSource{
			Addr: cfg.MasterAddress,
			Options: replication.TCPDialOptions{
				Username:    cfg.Username,
				Password:    cfg.Password,
				Compression: comp.Type(),
			},
		}, nil
	case "grpc":
		return &replication.GRPCSource{
			Target:   cfg.MasterAddress,
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported replication transport: %q", cfg.Transport)
	}
}

func logLag(logger *slog.Logger, engine *replication.SlaveEngine) {
	attrs := []any{"state", engine.State().String()}
	if cursor, ok := engine.Cursor(); ok {
		attrs = append(attrs, "cursor", core.FormatLSN(cursor))
	}
	if behind, ok := engine.BytesBehindMaster(); ok {
		attrs = append(attrs, "bytes_behind_master", behind)
	}
	logger.Info("Replication status.", attrs...)
}
