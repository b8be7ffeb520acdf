package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains on-disk locations.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	Database string `toml:"database"`
}

// Dedup contains configuration for the deduplication pass.
type Dedup struct {
	BatchSize int    `toml:"batch_size"`
	Digest    string `toml:"digest"` // sha256 or blake3
}

// Lease contains configuration for the test scheduler.
type Lease struct {
	TTLSeconds int    `toml:"ttl_seconds"`
	ClaimLimit int    `toml:"claim_limit"`
	Owner      string `toml:"owner"` // Default: hostname:pid
}

// Inbound contains configuration for the test inbound pool.
type Inbound struct {
	PortStart        int    `toml:"port_start"`
	PortEnd          int    `toml:"port_end"`
	TagPrefix        string `toml:"tag_prefix"`
	Status           string `toml:"status"`
	AllocateAttempts int    `toml:"allocate_attempts"`
	// ProbeHost is the address the allocator test-binds before handing out a
	// port. Empty disables the check.
	ProbeHost string `toml:"probe_host"`
}

// Bridge contains configuration for the conversion process.
type Bridge struct {
	Interpreter         string `toml:"interpreter"`
	BundleDir           string `toml:"bundle_dir"`
	Script              string `toml:"script"` // Optional override for the embedded script
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	ReadyTimeoutSeconds int    `toml:"ready_timeout_seconds"`
}

// Convert contains configuration for the conversion job.
type Convert struct {
	BatchSize int      `toml:"batch_size"`
	Protocols []string `toml:"protocols"`
}

// Daemon contains cron schedules and the metrics listener.
type Daemon struct {
	ConvertSchedule    string `toml:"convert_schedule"`
	RepairSchedule     string `toml:"repair_schedule"`
	DedupSchedule      string `toml:"dedup_schedule"`
	ReclaimSchedule    string `toml:"reclaim_schedule"`
	RequeueSchedule    string `toml:"requeue_schedule"`
	RetestAfterMinutes int    `toml:"retest_after_minutes"`
	MetricsBind        string `toml:"metrics_bind"`
	APIToken           string `toml:"api_token"` // Optional bearer token for the status API
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for linkpool.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and database locations
//   - Dedup: batch size and digest algorithm for duplicate detection
//   - Lease: lease TTL and claim sizing for the test scheduler
//   - Inbound: port range and tag scheme for test listeners
//   - Bridge: conversion process interpreter and timeouts
//   - Convert: conversion batch size and supported protocols
//   - Daemon: job schedules and metrics endpoint
//   - Logging: log format and level
type Config struct {
	Paths   Paths   `toml:"paths"`
	Dedup   Dedup   `toml:"dedup"`
	Lease   Lease   `toml:"lease"`
	Inbound Inbound `toml:"inbound"`
	Bridge  Bridge  `toml:"bridge"`
	Convert Convert `toml:"convert"`
	Daemon  Daemon  `toml:"daemon"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/linkpool/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("linkpool.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir, filepath.Dir(c.Paths.Database)}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	if strings.TrimSpace(c.Paths.Database) != "" {
		return c.Paths.Database
	}
	return filepath.Join(c.Paths.DataDir, "linkpool.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "linkpoold.lock")
}

// LeaseTTL returns the configured lease duration.
// PIDPath returns the daemon pid file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "linkpoold.pid")
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLSeconds) * time.Second
}

// BridgeTimeout returns the per-call conversion timeout.
func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.Bridge.TimeoutSeconds) * time.Second
}

// BridgeReadyTimeout returns how long the conversion process may take to signal readiness.
func (c *Config) BridgeReadyTimeout() time.Duration {
	return time.Duration(c.Bridge.ReadyTimeoutSeconds) * time.Second
}

// RetestAfter returns the age at which finished links are requeued for testing.
func (c *Config) RetestAfter() time.Duration {
	return time.Duration(c.Daemon.RetestAfterMinutes) * time.Minute
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
