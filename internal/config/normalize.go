package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDedup()
	c.normalizeLease()
	c.normalizeInbound()
	if err := c.normalizeBridge(); err != nil {
		return err
	}
	c.normalizeConvert()
	c.normalizeDaemon()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.Database) == "" {
		c.Paths.Database = filepath.Join(c.Paths.DataDir, "linkpool.db")
	}
	if c.Paths.Database, err = expandPath(c.Paths.Database); err != nil {
		return fmt.Errorf("paths.database: %w", err)
	}
	return nil
}

func (c *Config) normalizeDedup() {
	c.Dedup.Digest = strings.ToLower(strings.TrimSpace(c.Dedup.Digest))
	if c.Dedup.Digest == "" {
		c.Dedup.Digest = defaultDigest
	}
	if c.Dedup.BatchSize == 0 {
		c.Dedup.BatchSize = defaultDedupBatchSize
	}
}

func (c *Config) normalizeLease() {
	if c.Lease.TTLSeconds == 0 {
		c.Lease.TTLSeconds = defaultLeaseTTLSeconds
	}
	if c.Lease.ClaimLimit == 0 {
		c.Lease.ClaimLimit = defaultLeaseClaimLimit
	}
	c.Lease.Owner = strings.TrimSpace(c.Lease.Owner)
	if c.Lease.Owner == "" {
		c.Lease.Owner = DefaultOwner()
	}
}

func (c *Config) normalizeInbound() {
	c.Inbound.TagPrefix = strings.TrimSpace(c.Inbound.TagPrefix)
	if c.Inbound.TagPrefix == "" {
		c.Inbound.TagPrefix = defaultTagPrefix
	}
	c.Inbound.ProbeHost = strings.TrimSpace(c.Inbound.ProbeHost)
	c.Inbound.Status = strings.TrimSpace(c.Inbound.Status)
	if c.Inbound.Status == "" {
		c.Inbound.Status = defaultInboundStatus
	}
	if c.Inbound.AllocateAttempts == 0 {
		c.Inbound.AllocateAttempts = defaultAllocateAttempts
	}
}

func (c *Config) normalizeBridge() error {
	c.Bridge.Interpreter = strings.TrimSpace(c.Bridge.Interpreter)
	if value, ok := os.LookupEnv(envInterpreter); ok && strings.TrimSpace(value) != "" {
		c.Bridge.Interpreter = strings.TrimSpace(value)
	}
	if c.Bridge.Interpreter == "" {
		c.Bridge.Interpreter = defaultInterpreter
	}

	if c.Bridge.BundleDir == "" {
		if value, ok := os.LookupEnv(envBundleDir); ok {
			c.Bridge.BundleDir = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Bridge.BundleDir) == "" {
		c.Bridge.BundleDir = filepath.Join(c.Paths.DataDir, bundleDirRelativeToDataDir)
	}
	var err error
	if c.Bridge.BundleDir, err = expandPath(c.Bridge.BundleDir); err != nil {
		return fmt.Errorf("bridge.bundle_dir: %w", err)
	}
	if strings.TrimSpace(c.Bridge.Script) != "" {
		if c.Bridge.Script, err = expandPath(strings.TrimSpace(c.Bridge.Script)); err != nil {
			return fmt.Errorf("bridge.script: %w", err)
		}
	}
	if c.Bridge.TimeoutSeconds == 0 {
		c.Bridge.TimeoutSeconds = defaultBridgeTimeout
	}
	if c.Bridge.ReadyTimeoutSeconds == 0 {
		c.Bridge.ReadyTimeoutSeconds = defaultBridgeReadyTimeout
	}
	return nil
}

func (c *Config) normalizeConvert() {
	if c.Convert.BatchSize == 0 {
		c.Convert.BatchSize = defaultConvertBatchSize
	}
	protocols := make([]string, 0, len(c.Convert.Protocols))
	seen := make(map[string]struct{}, len(c.Convert.Protocols))
	for _, p := range c.Convert.Protocols {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		protocols = append(protocols, p)
	}
	if len(protocols) == 0 {
		protocols = append(protocols, defaultProtocols...)
	}
	c.Convert.Protocols = protocols
}

func (c *Config) normalizeDaemon() {
	c.Daemon.ConvertSchedule = strings.TrimSpace(c.Daemon.ConvertSchedule)
	c.Daemon.RepairSchedule = strings.TrimSpace(c.Daemon.RepairSchedule)
	c.Daemon.DedupSchedule = strings.TrimSpace(c.Daemon.DedupSchedule)
	c.Daemon.ReclaimSchedule = strings.TrimSpace(c.Daemon.ReclaimSchedule)
	c.Daemon.RequeueSchedule = strings.TrimSpace(c.Daemon.RequeueSchedule)
	c.Daemon.MetricsBind = strings.TrimSpace(c.Daemon.MetricsBind)
	c.Daemon.APIToken = strings.TrimSpace(c.Daemon.APIToken)
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = defaultLogFormat
	}
	c.Logging.Format = format

	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}

// DefaultOwner returns the worker identity used when lease.owner is unset.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
