package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"linkpool/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.Database = filepath.Join(base, "data", "linkpool.db")
	cfgVal.Bridge.BundleDir = filepath.Join(base, "bundle")
	cfgVal.Lease.Owner = "test-owner"
	cfgVal.Daemon.MetricsBind = "127.0.0.1:0"
	cfgVal.Inbound.ProbeHost = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithLeaseTTL overrides the lease duration in seconds.
func WithLeaseTTL(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Lease.TTLSeconds = seconds
	}
}

// WithProbeHost enables the allocator's bind check against host.
func WithProbeHost(host string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Inbound.ProbeHost = host
	}
}

// WithPortRange narrows the test inbound port pool.
func WithPortRange(start, end int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Inbound.PortStart = start
		b.cfg.Inbound.PortEnd = end
	}
}

// WithDedupBatchSize overrides the dedup write batch size.
func WithDedupBatchSize(size int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Dedup.BatchSize = size
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}

// WriteConfig marshals cfg as TOML into the config's base directory and
// returns the file path.
func WriteConfig(t testing.TB, cfg *config.Config) string {
	t.Helper()

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(BaseDir(cfg), "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
