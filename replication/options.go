package replication

import (
	"context"
	"log/slog"
	"time"

	"github.com/INLOpen/walog/hooks"
	"github.com/INLOpen/walog/wal"
)

// NodeOptions configures a MasterNode or a SlaveNode.
type NodeOptions struct {
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Metrics     *Metrics
	// PollInterval bounds how long the master's fetch loop waits for new
	// records before re-reading the master's last LSN.
	PollInterval time.Duration
	// RemoteAddr names the peer in logs and hook payloads.
	RemoteAddr string
}

func (o NodeOptions) withDefaults() NodeOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger)
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = wal.DefaultPollInterval
	}
	if o.RemoteAddr == "" {
		o.RemoteAddr = "unknown"
	}
	return o
}

func trigger(logger *slog.Logger, hm hooks.HookManager, event hooks.HookEvent) {
	if err := hm.Trigger(context.Background(), event); err != nil {
		logger.Warn("Hook listener failed.", "event", event.Type(), "error", err)
	}
}
