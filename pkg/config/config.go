// Package config handles catindex configuration via environment variables.
//
// catindex runs as an operator tool next to the directory's key-value store,
// so it is configured the same way the store's deployments are: through
// environment variables, optionally seeded from a .env file by the CLI.
// All variables are prefixed with CATINDEX_.
//
// Configuration is loaded from environment variables using LoadFromEnv() and can be
// validated with Validate() before use.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Store: %s at %s\n", cfg.Store.Backend, cfg.Store.DataDir)
//
// Environment Variables:
//
// Store:
//   - CATINDEX_STORE_BACKEND="badger" or "memory"
//   - CATINDEX_DATA_DIR="./data"
//   - CATINDEX_SYNC_WRITES=false
//
// Engine:
//   - CATINDEX_ALIAS_FILE="./aliases.yaml"
//   - CATINDEX_SCAN_CONCURRENCY=8
//   - CATINDEX_OPERATION_TIMEOUT=2m
//
// Audit journal:
//   - CATINDEX_AUDIT_ENABLED=true
//   - CATINDEX_AUDIT_LOG_PATH="./logs/catindex-audit.log"
//   - CATINDEX_AUDIT_SYNC_WRITES=false
//   - CATINDEX_AUDIT_INCLUDE_DRY_RUN=false
//
// Logging and runtime:
//   - CATINDEX_LOG_LEVEL="info"
//   - CATINDEX_LOG_FORMAT="console" or "json"
//   - CATINDEX_MEMORY_LIMIT="2GB"
//   - CATINDEX_GC_PERCENT=100
//
// For a complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config holds all catindex configuration loaded from environment variables.
//
// Configuration is organized into logical sections:
//   - Store: where the key-value data lives
//   - Engine: canonicalization and scan settings
//   - Audit: the mutation journal
//   - Logging: log level and encoding
//   - Runtime: Go runtime memory tuning
//
// Use LoadFromEnv() to create a Config from environment variables.
type Config struct {
	Store   StoreConfig
	Engine  EngineConfig
	Audit   AuditConfig
	Logging LoggingConfig
	Runtime RuntimeConfig
}

// StoreConfig holds key-value store settings.
type StoreConfig struct {
	// Backend is "badger" (persistent) or "memory" (testing, dry exploration)
	Backend string
	// DataDir is the badger data directory
	DataDir string
	// SyncWrites fsyncs every badger write
	SyncWrites bool
}

// EngineConfig holds reconciliation engine settings.
type EngineConfig struct {
	// AliasFile is an optional YAML alias table. Empty uses the built-in table.
	AliasFile string
	// ScanConcurrency bounds parallel record reads during store-wide scans
	ScanConcurrency int
	// OperationTimeout bounds one CLI command
	OperationTimeout time.Duration
}

// AuditConfig holds mutation journal settings.
type AuditConfig struct {
	Enabled       bool
	LogPath       string
	SyncWrites    bool
	IncludeDryRun bool
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level: debug, info, warn, error
	Level string
	// Format: console or json
	Format string
}

// RuntimeConfig holds Go runtime memory settings.
type RuntimeConfig struct {
	// MemoryLimit is the soft memory limit in bytes (0 = unlimited)
	MemoryLimit int64
	// MemoryLimitStr is the raw value, e.g. "2GB"
	MemoryLimitStr string
	// GCPercent sets GOGC (100 = default)
	GCPercent int
}

// LoadFromEnv loads configuration from environment variables.
//
// Unset or unparseable variables fall back to their defaults; Validate
// reports values that parsed but make no sense.
func LoadFromEnv() *Config {
	memLimit := getEnv("CATINDEX_MEMORY_LIMIT", "0")
	return &Config{
		Store: StoreConfig{
			Backend:    strings.ToLower(getEnv("CATINDEX_STORE_BACKEND", BackendBadger)),
			DataDir:    getEnv("CATINDEX_DATA_DIR", "./data"),
			SyncWrites: getEnvBool("CATINDEX_SYNC_WRITES", false),
		},
		Engine: EngineConfig{
			AliasFile:        getEnv("CATINDEX_ALIAS_FILE", ""),
			ScanConcurrency:  getEnvInt("CATINDEX_SCAN_CONCURRENCY", 8),
			OperationTimeout: getEnvDuration("CATINDEX_OPERATION_TIMEOUT", 2*time.Minute),
		},
		Audit: AuditConfig{
			Enabled:       getEnvBool("CATINDEX_AUDIT_ENABLED", true),
			LogPath:       getEnv("CATINDEX_AUDIT_LOG_PATH", "./logs/catindex-audit.log"),
			SyncWrites:    getEnvBool("CATINDEX_AUDIT_SYNC_WRITES", false),
			IncludeDryRun: getEnvBool("CATINDEX_AUDIT_INCLUDE_DRY_RUN", false),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(getEnv("CATINDEX_LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("CATINDEX_LOG_FORMAT", "console")),
		},
		Runtime: RuntimeConfig{
			MemoryLimitStr: memLimit,
			MemoryLimit:    parseMemorySize(memLimit),
			GCPercent:      getEnvInt("CATINDEX_GC_PERCENT", 100),
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendBadger:
		if c.Store.DataDir == "" {
			return fmt.Errorf("badger backend requires a data directory")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid store backend: %q", c.Store.Backend)
	}

	if c.Engine.ScanConcurrency <= 0 {
		return fmt.Errorf("invalid scan concurrency: %d", c.Engine.ScanConcurrency)
	}
	if c.Engine.OperationTimeout <= 0 {
		return fmt.Errorf("invalid operation timeout: %s", c.Engine.OperationTimeout)
	}

	if c.Audit.Enabled && c.Audit.LogPath == "" {
		return fmt.Errorf("audit enabled but no log path provided")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.Runtime.MemoryLimit < 0 {
		return fmt.Errorf("invalid memory limit: %s", c.Runtime.MemoryLimitStr)
	}

	return nil
}

// String returns a safe string representation.
func (c *Config) String() string {
	limit := "unlimited"
	if c.Runtime.MemoryLimit > 0 {
		limit = FormatMemorySize(c.Runtime.MemoryLimit)
	}
	aliases := c.Engine.AliasFile
	if aliases == "" {
		aliases = "built-in"
	}
	return fmt.Sprintf(
		"Config{Store: %s:%s, Aliases: %s, Concurrency: %d, Timeout: %s, Audit: %v, Memory: %s}",
		c.Store.Backend, c.Store.DataDir,
		aliases,
		c.Engine.ScanConcurrency,
		c.Engine.OperationTimeout,
		c.Audit.Enabled,
		limit,
	)
}

// env returns key parsed by parse, or def when the variable is unset, empty
// or unparseable.
func env[T any](key string, def T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func getEnv(key, def string) string {
	return env(key, def, func(s string) (string, error) { return s, nil })
}

func getEnvInt(key string, def int) int {
	return env(key, def, strconv.Atoi)
}

// getEnvBool treats true/1/yes/on as true and any other set value as false.
func getEnvBool(key string, def bool) bool {
	return env(key, def, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes", "on":
			return true, nil
		}
		return false, nil
	})
}

// getEnvDuration accepts Go durations ("90s", "2m") and bare seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	return env(key, def, func(s string) (time.Duration, error) {
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		secs, err := strconv.Atoi(s)
		return time.Duration(secs) * time.Second, err
	})
}

// memoryUnits is ordered largest first for both parsing and formatting.
var memoryUnits = []struct {
	suffix string
	size   int64
}{
	{"T", 1 << 40},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
}

// parseMemorySize turns "512MB", "2G", "1024" into bytes. "unlimited" and
// anything unparseable are 0.
func parseMemorySize(s string) int64 {
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	mult := int64(1)
	for _, u := range memoryUnits {
		if rest, ok := strings.CutSuffix(s, u.suffix); ok {
			s, mult = rest, u.size
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n * mult
}

// FormatMemorySize renders bytes with two decimals in the largest fitting unit.
func FormatMemorySize(bytes int64) string {
	for _, u := range memoryUnits {
		if bytes >= u.size {
			return fmt.Sprintf("%.2f %sB", float64(bytes)/float64(u.size), u.suffix)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// ApplyRuntimeMemory applies the memory settings to the Go runtime.
// Call this early in main() before loading a large store.
func (c *RuntimeConfig) ApplyRuntimeMemory() {
	if c.MemoryLimit > 0 {
		debug.SetMemoryLimit(c.MemoryLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
