package config

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDedup(); err != nil {
		return err
	}
	if err := c.validateLease(); err != nil {
		return err
	}
	if err := c.validateInbound(); err != nil {
		return err
	}
	if err := c.validateBridge(); err != nil {
		return err
	}
	if err := c.validateConvert(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDedup() error {
	if c.Dedup.BatchSize < 1 {
		return errors.New("dedup.batch_size must be positive")
	}
	switch c.Dedup.Digest {
	case "sha256", "blake3":
	default:
		return fmt.Errorf("dedup.digest: unsupported value %q (expected sha256 or blake3)", c.Dedup.Digest)
	}
	return nil
}

func (c *Config) validateLease() error {
	if c.Lease.TTLSeconds < 1 {
		return errors.New("lease.ttl_seconds must be positive")
	}
	if c.Lease.ClaimLimit < 1 {
		return errors.New("lease.claim_limit must be positive")
	}
	return nil
}

func (c *Config) validateInbound() error {
	if c.Inbound.PortStart < 1 || c.Inbound.PortStart > 65535 {
		return errors.New("inbound.port_start must be between 1 and 65535")
	}
	if c.Inbound.PortEnd < c.Inbound.PortStart || c.Inbound.PortEnd > 65535 {
		return errors.New("inbound.port_end must be between inbound.port_start and 65535")
	}
	if strings.IndexFunc(c.Inbound.TagPrefix, unicode.IsSpace) >= 0 {
		return errors.New("inbound.tag_prefix must not contain whitespace")
	}
	if strings.IndexFunc(c.Inbound.Status, unicode.IsSpace) >= 0 {
		return errors.New("inbound.status must be a single word")
	}
	if c.Inbound.AllocateAttempts < 1 {
		return errors.New("inbound.allocate_attempts must be positive")
	}
	return nil
}

func (c *Config) validateBridge() error {
	if c.Bridge.TimeoutSeconds < 1 {
		return errors.New("bridge.timeout_seconds must be positive")
	}
	if c.Bridge.ReadyTimeoutSeconds < 1 {
		return errors.New("bridge.ready_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateConvert() error {
	if c.Convert.BatchSize < 1 {
		return errors.New("convert.batch_size must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
