package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS-specific configurations.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ServerConfig holds the compaction API server configurations.
type ServerConfig struct {
	ListenAddress string    `yaml:"listen_address"`
	TLS           TLSConfig `yaml:"tls"`
}

// SegmentConfig holds segment write configurations.
type SegmentConfig struct {
	BlockSizeBytes      int64  `yaml:"block_size_bytes"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	Compression         string `yaml:"compression"`
}

// PolicyConfig holds cumulative policy thresholds. Zero values fall back to
// the built-in defaults.
type PolicyConfig struct {
	PromotionSizeBytes             int64   `yaml:"promotion_size_bytes"`
	PromotionRatio                 float64 `yaml:"promotion_ratio"`
	PromotionMinSizeBytes          int64   `yaml:"promotion_min_size_bytes"`
	CompactionLowerSizeBytes       int64   `yaml:"compaction_lower_size_bytes"`
	MinSingletonDeltas             int     `yaml:"min_singleton_deltas"`
	MaxSingletonDeltas             int     `yaml:"max_singleton_deltas"`
	BaseMinRowsetNum               int     `yaml:"base_min_rowset_num"`
	BaseMinDataRatio               float64 `yaml:"base_min_data_ratio"`
	TimeSeriesGoalSizeBytes        int64   `yaml:"time_series_goal_size_bytes"`
	TimeSeriesFileCountThreshold   int     `yaml:"time_series_file_count_threshold"`
	TimeSeriesTimeThresholdSeconds int64   `yaml:"time_series_time_threshold_seconds"`
	TimeSeriesLevelThreshold       int     `yaml:"time_series_level_threshold"`
	TimeSeriesEmptyRowsetThreshold int     `yaml:"time_series_empty_rowset_threshold"`
}

// CompactionConfig holds compaction scheduling and admission configurations.
type CompactionConfig struct {
	DefaultPolicy           string       `yaml:"default_policy"`
	CheckInterval           string       `yaml:"check_interval"`
	MinIntervalAfterFailure string       `yaml:"min_interval_after_failure"`
	MaxConcurrentBase       int          `yaml:"max_concurrent_base"`
	MaxConcurrentCumulative int          `yaml:"max_concurrent_cumulative"`
	MemoryLimitRatio        float64      `yaml:"memory_limit_ratio"`
	ManualWaitTimeout       string       `yaml:"manual_wait_timeout"`
	PeerRequestTimeout      string       `yaml:"peer_request_timeout"`
	Policy                  PolicyConfig `yaml:"policy"`
}

// StorageConfig holds all storage-tier configurations, grouped logically.
type StorageConfig struct {
	DataDir    string           `yaml:"data_dir"`
	Segment    SegmentConfig    `yaml:"segment"`
	Compaction CompactionConfig `yaml:"compaction"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// SecurityConfig holds security-related configurations like auth.
type SecurityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	UserFilePath string `yaml:"user_file_path"`
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ListenAddress   string `yaml:"listen_address"`
	PProfEnabled    bool   `yaml:"pprof_enabled"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	StatsvizEnabled bool   `yaml:"statsviz_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Debug    DebugConfig    `yaml:"debug"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Tracing  TracingConfig  `yaml:"tracing"`
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
			ListenAddress: ":8040",
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "certs/server.crt",
				KeyFile:  "certs/server.key",
			},
		},
		Storage: StorageConfig{
			DataDir: "./data",
			Segment: SegmentConfig{
				BlockSizeBytes:      256 * 1024,        // 256 KiB
				MaxSegmentSizeBytes: 256 * 1024 * 1024, // 256 MiB
				Compression:         "snappy",
			},
			Compaction: CompactionConfig{
				DefaultPolicy:           "size_based",
				CheckInterval:           "60s",
				MinIntervalAfterFailure: "5s",
				MaxConcurrentBase:       2,
				MaxConcurrentCumulative: 4,
				MemoryLimitRatio:        0.8,
				ManualWaitTimeout:       "2s",
				PeerRequestTimeout:      "30s",
				// Policy thresholds are left zero here; zero means "use the
				// built-in default" downstream.
				Policy: PolicyConfig{},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexuslake.log",
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
			Enabled:         true,
			ListenAddress:   "0.0.0.0:6060",
			PProfEnabled:    true,
			MetricsEnabled:  true,
			StatsvizEnabled: true,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	// Read all data from the reader
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// If data is empty, return defaults.
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
