package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/INLOpen/walog/config"
	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/hooks"
	"github.com/INLOpen/walog/internal/app"
	"github.com/INLOpen/walog/replication"
	"github.com/INLOpen/walog/server"
	"github.com/INLOpen/walog/wal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	appendStdin := flag.Bool("stdin", false, "Append every line read from stdin as a record")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// Use a temporary logger for pre-config errors
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

	if err := run(cfg, logger, *appendStdin); err != nil {
		logger.Error("Master exited with an error", "error", err)
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
	logger.Info("Application exited gracefully.")
}

func run(cfg *config.Config, logger *slog.Logger, appendStdin bool) error {
	if cfg.Log.Dir == "" {
		return errors.New("log dir must be specified in the configuration file")
	}
	logger.Info("Using log directory", "path", cfg.Log.Dir)

	tp, tracerCleanup, err := app.InitTracerProvider(cfg.Tracing, "walog-master", logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	hookManager := hooks.NewHookManager(logger)
	defer hookManager.Stop()
	app.LogEvents(hookManager, logger,
		hooks.EventPostSlaveConnected,
		hooks.EventPostSlaveDisconnected,
		hooks.EventPostSegmentRoll,
		hooks.EventPostPurge,
		hooks.EventPostRecoveryTruncate,
		hooks.EventPostPipelineFatal,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	replMetrics := replication.NewMetrics(reg)

	opts := cfg.Log.WALOptions(logger)
	opts.HookManager = hookManager
	opts.TracerProvider = tp
	opts.MetricsPrefix = "walog_"
	walLog, err := wal.Open(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := walLog.Close(); err != nil {
			logger.Error("Failed to close log", "error", err)
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

	replServer, err := server.NewReplicationServer(walLog, cfg, server.Options{
		Logger:      logger,
		HookManager: hookManager,
		Metrics:     replMetrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := app.SignalContext(context.Background())
	defer stop()

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- replServer.Start()
	}()
	logger.Info("Master running. Press Ctrl+C to exit.")

	if appendStdin {
		go func() {
			n, err := appendLines(walLog, os.Stdin)
			if err != nil {
				logger.Error("Stopped appending from stdin", "records", n, "error", err)
				return
			}
			logger.Info("Appended stdin to the log", "records", n)
		}()
	}

	select {
	case err := <-serverErrChan:
		return err
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Stopping server...")
		replServer.Stop()
		// The log is closed only after every slave stream has ended.
		return <-serverErrChan
	}
}

// appendLines appends each line of r as one record and returns how many were
// written.
func appendLines(w *wal.WAL, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), core.MaxPayloadSize)
	n := 0
	for sc.Scan() {
		if _, err := w.Append([]byte(sc.Text())); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}
