package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"linkpool/internal/config"
	"linkpool/internal/convert"
	"linkpool/internal/dedup"
	"linkpool/internal/lease"
	"linkpool/internal/logging"
	"linkpool/internal/metrics"
	"linkpool/internal/store"
)

// Job names accepted by RunJob.
const (
	JobConvert = "convert"
	JobRepair  = "repair"
	JobDedup   = "dedup"
	JobReclaim = "reclaim"
	JobRequeue = "requeue"
)

var (
	// ErrAlreadyRunning reports that another daemon holds the lock.
	ErrAlreadyRunning = errors.New("another linkpool daemon instance is already running")
	// ErrUnknownJob reports a job name the daemon does not schedule.
	ErrUnknownJob = errors.New("unknown job")
)

// Dependencies are the engines the daemon schedules.
type Dependencies struct {
	Store   *store.Store
	Dedup   *dedup.Engine
	Convert *convert.Job
	Lease   *lease.Manager
	Metrics *metrics.Metrics
	// Gatherer backs the /metrics endpoint. Nil disables it.
	Gatherer prometheus.Gatherer
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
}

// JobStatus reports the most recent run of a job.
type JobStatus struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Runs     int           `json:"runs"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Error    string        `json:"error,omitempty"`
	Running  bool          `json:"running"`
}

// Status represents daemon runtime information.
type Status struct {
	Running  bool          `json:"running"`
	Owner    string        `json:"owner"`
	LockPath string        `json:"lock_path"`
	DBPath   string        `json:"db_path"`
	APIAddr  string        `json:"api_addr,omitempty"`
	Jobs     []JobStatus   `json:"jobs"`
	Summary  store.Summary `json:"summary"`
}

// Daemon runs the maintenance jobs on their cron schedules and serves the
// status API. Only one daemon may run per data directory.
type Daemon struct {
	cfg    *config.Config
	deps   Dependencies
	logger *slog.Logger

	lockPath string
	lock     *flock.Flock
	jobs     []job

	mu     sync.Mutex
	status map[string]*JobStatus

	running atomic.Bool
	cron    *cron.Cron
	api     *apiServer
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// New constructs a daemon. Jobs with an empty schedule are not scheduled but
// can still be run with RunJob.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Dedup == nil || deps.Convert == nil || deps.Lease == nil {
		return nil, errors.New("daemon requires config, store, dedup engine, conversion job, and lease manager")
	}

	d := &Daemon{
		cfg:      cfg,
		deps:     deps,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
		status:   make(map[string]*JobStatus),
	}
	d.jobs = []job{
		{JobConvert, cfg.Daemon.ConvertSchedule, func(ctx context.Context) error {
			_, err := deps.Convert.RunPending(ctx)
			return err
		}},
		{JobRepair, cfg.Daemon.RepairSchedule, func(ctx context.Context) error {
			_, err := deps.Convert.RunRepair(ctx)
			return err
		}},
		{JobDedup, cfg.Daemon.DedupSchedule, func(ctx context.Context) error {
			_, err := deps.Dedup.Run(ctx)
			return err
		}},
		{JobReclaim, cfg.Daemon.ReclaimSchedule, func(ctx context.Context) error {
			_, err := deps.Lease.ReclaimExpired(ctx)
			return err
		}},
		{JobRequeue, cfg.Daemon.RequeueSchedule, func(ctx context.Context) error {
			_, err := deps.Lease.Requeue(ctx, cfg.RetestAfter())
			return err
		}},
	}
	for _, j := range d.jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(j.schedule); err != nil {
			return nil, fmt.Errorf("%s schedule %q: %w", j.name, j.schedule, err)
		}
	}
	for _, j := range d.jobs {
		d.status[j.name] = &JobStatus{Name: j.name, Schedule: j.schedule}
	}
	return d, nil
}

// Start acquires the daemon lock, schedules jobs, and starts the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	api, err := newAPIServer(d.cfg, d, d.deps.Gatherer, d.logger)
	if err == nil {
		err = api.listen()
	}
	if err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	cronLogger := cronLog{logger: d.logger}
	scheduler := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	for _, j := range d.jobs {
		if j.schedule == "" {
			continue
		}
		name := j.name
		if _, err := scheduler.AddFunc(j.schedule, func() {
			if err := d.RunJob(runCtx, name); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("scheduled job failed", logging.String("job", name), logging.Error(err))
			}
		}); err != nil {
			cancel()
			api.close()
			_ = d.lock.Unlock()
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return api.serve() })
	group.Go(func() error {
		<-groupCtx.Done()
		<-scheduler.Stop().Done()
		return api.shutdown()
	})
	scheduler.Start()

	d.cron = scheduler
	d.api = api
	d.group = group
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("linkpool daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", api.addr()),
		logging.Owner(d.deps.Lease.Owner()),
	)
	return nil
}

// Wait blocks until the daemon stops and returns the first serve error.
func (d *Daemon) Wait() error {
	if d.group == nil {
		return nil
	}
	return d.group.Wait()
}

// Stop waits for running jobs, shuts the API server down, and releases the
// daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.cancel()
	if err := d.group.Wait(); err != nil {
		d.logger.Warn("daemon stopped with error", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("linkpool daemon stopped")
}

// Run starts the daemon and blocks until ctx ends or the API server fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	err := d.Wait()
	d.Stop()
	return err
}

// RunJob runs one job immediately and records its outcome.
func (d *Daemon) RunJob(ctx context.Context, name string) error {
	idx := slices.IndexFunc(d.jobs, func(j job) bool { return j.name == name })
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	j := d.jobs[idx]

	d.mu.Lock()
	status := d.status[name]
	status.Running = true
	d.mu.Unlock()

	started := time.Now()
	err := j.run(ctx)
	elapsed := time.Since(started)
	d.deps.Metrics.JobRun(name, err, elapsed)

	d.mu.Lock()
	status.Running = false
	status.Runs++
	status.LastRun = started.UTC()
	status.Elapsed = elapsed
	status.Error = ""
	if err != nil {
		status.Error = err.Error()
	}
	d.mu.Unlock()

	d.logger.Debug("job finished", logging.String("job", name), logging.Duration("elapsed", elapsed))
	return err
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	summary, err := d.deps.Store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Running:  d.running.Load(),
		Owner:    d.deps.Lease.Owner(),
		LockPath: d.lockPath,
		DBPath:   d.deps.Store.Path(),
		Summary:  summary,
	}
	if d.api != nil && status.Running {
		status.APIAddr = d.api.addr()
	}
	d.mu.Lock()
	for _, j := range d.jobs {
		status.Jobs = append(status.Jobs, *d.status[j.name])
	}
	d.mu.Unlock()
	return status, nil
}

// DatabaseHealth returns detailed database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (store.DatabaseHealth, error) {
	return d.deps.Store.CheckHealth(ctx)
}

// Addr returns the API listen address while the daemon runs.
func (d *Daemon) Addr() string {
	if d.api == nil || !d.running.Load() {
		return ""
	}
	return d.api.addr()
}

// cronLog adapts slog to the cron.Logger interface.
type cronLog struct {
	logger *slog.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{logging.Error(err)}, keysAndValues...)...)
}
