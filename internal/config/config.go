package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Strata
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Log        LogConfig
	Catalog    CatalogConfig
	Writes     WritesConfig
	Cursor     CursorConfig
	Repl       ReplConfig
	Scheduler  SchedulerConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	MaxPayloadSize int64 // Maximum request payload size in bytes
	// TLS Configuration
	TLSEnabled  bool   // Enable HTTPS/TLS
	TLSCertFile string // Path to TLS certificate file (PEM format)
	TLSKeyFile  string // Path to TLS private key file (PEM format)
}

type StoreConfig struct {
	Path        string // bbolt database file
	Compression string // Document compression: zstd or none
	NoSync      bool   // Skip fsync on commit (test environments only)
}

type LogConfig struct {
	Level  string
	Format string
	Redact bool // Replace user data in log output with "###"
}

// CatalogConfig bounds open buckets in the bucket catalog.
type CatalogConfig struct {
	MaxMeasurements int           // Measurements per bucket before rollover
	MaxBucketSize   int64         // Uncompressed bytes per bucket before rollover
	MemoryThreshold int64         // Idle buckets are expired above this total
	MaxClockSkew    time.Duration // Furthest a measurement time may sit in the future
}

type WritesConfig struct {
	MaxBatchSize     int   // Max documents per insert/update/delete command
	MaxReplySize     int64 // errmsg truncation threshold for write replies
	MaxTimeMSDefault int   // Default per-command time limit, 0 = none
	DefaultBatchSize int   // Documents per find/getMore batch
}

type CursorConfig struct {
	TimeoutSeconds int // Idle cursor lifetime
}

// ReplConfig selects the replication mode the write path stamps replies with.
type ReplConfig struct {
	Mode        string // "none" or "replset"
	SetName     string
	InitialTerm int64
}

// SchedulerConfig drives the background sweeps.
type SchedulerConfig struct {
	IdleBucketSchedule string // Cron schedule for the idle-bucket sweep
	CursorSchedule     string // Cron schedule for the expired-cursor sweep
}

// Load loads configuration from environment and config file
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("strata")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/strata/")
	v.AddConfigPath("$HOME/.strata/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	maxPayloadSize, err := ParseSize(v.GetString("server.max_payload_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.max_payload_size: %w", err)
	}
	maxBucketSize, err := ParseSize(v.GetString("catalog.max_bucket_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid catalog.max_bucket_size: %w", err)
	}
	memoryThreshold, err := ParseSize(v.GetString("catalog.memory_threshold"))
	if err != nil {
		return nil, fmt.Errorf("invalid catalog.memory_threshold: %w", err)
	}
	maxReplySize, err := ParseSize(v.GetString("writes.max_reply_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid writes.max_reply_size: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			ReadTimeout:    v.GetInt("server.read_timeout"),
			WriteTimeout:   v.GetInt("server.write_timeout"),
			MaxPayloadSize: maxPayloadSize,
			TLSEnabled:     v.GetBool("server.tls_enabled"),
			TLSCertFile:    v.GetString("server.tls_cert_file"),
			TLSKeyFile:     v.GetString("server.tls_key_file"),
		},
		Store: StoreConfig{
			Path:        v.GetString("store.path"),
			Compression: v.GetString("store.compression"),
			NoSync:      v.GetBool("store.no_sync"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Redact: v.GetBool("log.redact"),
		},
		Catalog: CatalogConfig{
			MaxMeasurements: v.GetInt("catalog.max_measurements"),
			MaxBucketSize:   maxBucketSize,
			MemoryThreshold: memoryThreshold,
			MaxClockSkew:    time.Duration(v.GetInt("catalog.max_clock_skew_seconds")) * time.Second,
		},
		Writes: WritesConfig{
			MaxBatchSize:     v.GetInt("writes.max_batch_size"),
			MaxReplySize:     maxReplySize,
			MaxTimeMSDefault: v.GetInt("writes.max_time_ms_default"),
			DefaultBatchSize: v.GetInt("writes.default_batch_size"),
		},
		Cursor: CursorConfig{
			TimeoutSeconds: v.GetInt("cursor.timeout_seconds"),
		},
		Repl: ReplConfig{
			Mode:        v.GetString("repl.mode"),
			SetName:     v.GetString("repl.set_name"),
			InitialTerm: v.GetInt64("repl.initial_term"),
		},
		Scheduler: SchedulerConfig{
			IdleBucketSchedule: v.GetString("scheduler.idle_bucket_schedule"),
			CursorSchedule:     v.GetString("scheduler.cursor_schedule"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8500)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.max_payload_size", "48MB")
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	// Store defaults
	v.SetDefault("store.path", "./data/strata.db")
	v.SetDefault("store.compression", "zstd")
	v.SetDefault("store.no_sync", false)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.redact", false)

	// Catalog defaults
	v.SetDefault("catalog.max_measurements", 1000)
	v.SetDefault("catalog.max_bucket_size", "125KB")
	v.SetDefault("catalog.memory_threshold", "100MB")
	v.SetDefault("catalog.max_clock_skew_seconds", 900)

	// Writes defaults
	v.SetDefault("writes.max_batch_size", 100000)
	v.SetDefault("writes.max_reply_size", "1MB")
	v.SetDefault("writes.max_time_ms_default", 0)
	v.SetDefault("writes.default_batch_size", 101)

	// Cursor defaults
	v.SetDefault("cursor.timeout_seconds", 600)

	// Replication defaults
	v.SetDefault("repl.mode", "replset")
	v.SetDefault("repl.set_name", "strata0")
	v.SetDefault("repl.initial_term", 1)

	// Scheduler defaults
	v.SetDefault("scheduler.idle_bucket_schedule", "*/1 * * * *") // Every minute
	v.SetDefault("scheduler.cursor_schedule", "*/5 * * * *")      // Every 5 minutes
}

// ValidateTLS validates TLS configuration when TLS is enabled.
// Returns nil if TLS is disabled or if configuration is valid.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}

	if cfg.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_key_file not specified")
	}

	certInfo, err := os.Stat(cfg.TLSCertFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file not found: %s", cfg.TLSCertFile)
		}
		return fmt.Errorf("cannot access TLS certificate file %s: %w", cfg.TLSCertFile, err)
	}
	if certInfo.IsDir() {
		return fmt.Errorf("TLS certificate path is a directory, not a file: %s", cfg.TLSCertFile)
	}

	keyInfo, err := os.Stat(cfg.TLSKeyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("TLS key file not found: %s", cfg.TLSKeyFile)
		}
		return fmt.Errorf("cannot access TLS key file %s: %w", cfg.TLSKeyFile, err)
	}
	if keyInfo.IsDir() {
		return fmt.Errorf("TLS key path is a directory, not a file: %s", cfg.TLSKeyFile)
	}

	return nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
// Returns the size in bytes or an error if the format is invalid.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type unitInfo struct {
		suffix     string
		multiplier int64
	}
	// Longer suffixes first so "MB" is not read as "B".
	units := []unitInfo{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if strings.HasSuffix(sizeStr, unit.suffix) {
			numStr := strings.TrimSuffix(sizeStr, unit.suffix)
			numStr = strings.TrimSpace(numStr)

			var num float64
			var trailing string
			n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
			if n == 0 {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			if trailing != "" {
				return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
			}
			if num < 0 {
				return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
			}
			return int64(num * float64(unit.multiplier)), nil
		}
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
