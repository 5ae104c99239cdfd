package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/walog/wal"
)

// ServerConfig holds the replication listener configuration of a master.
type ServerConfig struct {
	TCPListenAddress  string `yaml:"tcp_listen_address"`  // empty disables the TCP listener
	GRPCListenAddress string `yaml:"grpc_listen_address"` // empty disables the gRPC listener
	HandshakeTimeout  string `yaml:"handshake_timeout"`
}

// LogConfig holds the write-ahead log configuration.
type LogConfig struct {
	Dir              string `yaml:"dir"`
	RollSizeBytes    int64  `yaml:"roll_size_bytes"`
	BlockSizeBytes   int    `yaml:"block_size_bytes"`
	BlockCacheSize   int    `yaml:"block_cache_size"`
	SegmentCacheSize int    `yaml:"segment_cache_size"`
	MaxPayloadBytes  int    `yaml:"max_payload_bytes"`
	QueueSize        int    `yaml:"queue_size"`
	BatchSize        int    `yaml:"batch_size"`
	AppendTimeout    string `yaml:"append_timeout"`
	LockTimeout      string `yaml:"lock_timeout"`
	AsyncMode        bool   `yaml:"async_mode"`
	AutoFlush        bool   `yaml:"auto_flush"`
	FlushPeriod      string `yaml:"flush_period"`
	FlushUnlock      bool   `yaml:"flush_unlock"`
	PollInterval     string `yaml:"poll_interval"`
}

// WALOptions converts the configuration into options for wal.Open. Logger,
// hooks and tracing are left for the caller to fill in.
func (c LogConfig) WALOptions(logger *slog.Logger) wal.Options {
	return wal.Options{
		Dir:              c.Dir,
		RollSize:         c.RollSizeBytes,
		BlockSize:        c.BlockSizeBytes,
		BlockCacheSize:   c.BlockCacheSize,
		SegmentCacheSize: c.SegmentCacheSize,
		MaxPayloadSize:   c.MaxPayloadBytes,
		QueueSize:        c.QueueSize,
		BatchSize:        c.BatchSize,
		AppendTimeout:    ParseDuration(c.AppendTimeout, wal.DefaultAppendTimeout, logger),
		LockTimeout:      ParseDuration(c.LockTimeout, wal.DefaultLockTimeout, logger),
		SyncMode:         !c.AsyncMode,
		DisableAutoFlush: !c.AutoFlush,
		FlushPeriod:      ParseDuration(c.FlushPeriod, wal.DefaultFlushPeriod, logger),
		FlushUnlock:      c.FlushUnlock,
		PollInterval:     ParseDuration(c.PollInterval, wal.DefaultPollInterval, logger),
		Logger:           logger,
	}
}

// ReplicationConfig holds the configuration of a slave.
type ReplicationConfig struct {
	MasterAddress string `yaml:"master_address"`
	Transport     string `yaml:"transport"` // "tcp" or "grpc"
	Compression   string `yaml:"compression"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	RetryInitial  string `yaml:"retry_initial"`
	RetryMax      string `yaml:"retry_max"`
	LagLogPeriod  string `yaml:"lag_log_period"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// SecurityConfig holds the password check applied to connecting slaves.
type SecurityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	UserFilePath string `yaml:"user_file_path"`
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Debug       DebugConfig       `yaml:"debug"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Server: ServerConfig{
			TCPListenAddress:  ":7070",
			GRPCListenAddress: ":7071",
			HandshakeTimeout:  "10s",
		},
		Log: LogConfig{
			Dir:              "./data/wal",
			RollSizeBytes:    wal.DefaultRollSize,
			BlockSizeBytes:   wal.DefaultBlockSize,
			BlockCacheSize:   wal.DefaultBlockCacheSize,
			SegmentCacheSize: wal.DefaultSegmentCacheSize,
			QueueSize:        wal.DefaultQueueSize,
			BatchSize:        wal.DefaultBatchSize,
			AppendTimeout:    "30s",
			LockTimeout:      "10s",
			AsyncMode:        true,
			AutoFlush:        true,
			FlushPeriod:      "100ms",
			PollInterval:     "50ms",
		},
		Replication: ReplicationConfig{
			MasterAddress: "localhost:7070",
			Transport:     "tcp",
			Compression:   "none",
			RetryInitial:  "100ms",
			RetryMax:      "10s",
			LagLogPeriod:  "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "walog.log",
		},
		Security: SecurityConfig{
			Enabled:      false,
			UserFilePath: "users.db",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "0.0.0.0:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
