package main

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"linkpool/internal/config"
	"linkpool/internal/daemonrun"
	"linkpool/internal/logging"
)

type commandContext struct {
	configFlag *string
	ownerFlag  *string

	configOnce sync.Once
	config     *config.Config
	loadedPath string
	configErr  error
}

func newCommandContext(configFlag, ownerFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		ownerFlag:  ownerFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if exists {
			c.loadedPath = resolved
		}
		if c.ownerFlag != nil && strings.TrimSpace(*c.ownerFlag) != "" {
			cfg.Lease.Owner = strings.TrimSpace(*c.ownerFlag)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// configPath returns the file the configuration was loaded from, or "" when
// defaults were used.
func (c *commandContext) configPath() string {
	return c.loadedPath
}

// logger writes command logs to linkpool.log only.
func (c *commandContext) logger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{filepath.Join(cfg.Paths.LogDir, "linkpool.log")},
	})
}

// withServices wires the engines for one command and releases them when fn
// returns.
func (c *commandContext) withServices(fn func(*daemonrun.Services) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.logger(cfg)
	if err != nil {
		return err
	}
	services, err := daemonrun.Build(cfg, logger)
	if err != nil {
		return err
	}
	return errors.Join(fn(services), services.Close())
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
