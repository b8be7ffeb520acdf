package daemonrun

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"linkpool/internal/bridge"
	"linkpool/internal/clock"
	"linkpool/internal/config"
	"linkpool/internal/convert"
	"linkpool/internal/daemon"
	"linkpool/internal/dedup"
	"linkpool/internal/inbound"
	"linkpool/internal/lease"
	"linkpool/internal/logging"
	"linkpool/internal/metrics"
	"linkpool/internal/store"
)

// Services holds the engines wired from one configuration.
type Services struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    *store.Store
	Pool     *inbound.Pool
	Lease    *lease.Manager
	Dedup    *dedup.Engine
	Bridge   *bridge.Supervisor
	Convert  *convert.Job
	Importer *convert.Importer
}

// Build opens the store and wires every engine. Metrics register on a fresh
// registry. The conversion process is not started until first use.
func Build(cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	engine, err := dedup.NewEngine(cfg, st, logger, m)
	if err != nil {
		st.Close()
		return nil, err
	}

	bridgeOpts, err := bridge.OptionsFromConfig(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	bridgeOpts.Logger = logger
	bridgeOpts.Metrics = m
	supervisor := bridge.New(bridgeOpts)

	pool := inbound.NewPool(cfg, st, logger, m)
	return &Services{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Metrics:  m,
		Store:    st,
		Pool:     pool,
		Lease:    lease.NewManager(cfg, st, pool, clock.Real(), logger, m),
		Dedup:    engine,
		Bridge:   supervisor,
		Convert:  convert.NewJob(cfg, st, supervisor, logger, m),
		Importer: convert.NewImporter(cfg, st, logger),
	}, nil
}

// DaemonDependencies returns the engines the daemon schedules.
func (s *Services) DaemonDependencies() daemon.Dependencies {
	return daemon.Dependencies{
		Store:    s.Store,
		Dedup:    s.Dedup,
		Convert:  s.Convert,
		Lease:    s.Lease,
		Metrics:  s.Metrics,
		Gatherer: s.Registry,
	}
}

// Close stops the conversion process and closes the store.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	return errors.Join(s.Bridge.Close(), s.Store.Close())
}
