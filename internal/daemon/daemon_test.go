package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

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
	"linkpool/internal/testsupport"
)

type nullConverter struct{}

func (nullConverter) Convert(context.Context, string) (json.RawMessage, error) { return nil, nil }

type fixture struct {
	cfg      *config.Config
	store    *store.Store
	registry *prometheus.Registry
	deps     daemon.Dependencies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	logger := logging.NewNop()

	engine, err := dedup.NewEngine(cfg, st, logger, m)
	if err != nil {
		t.Fatalf("dedup.NewEngine: %v", err)
	}
	pool := inbound.NewPool(cfg, st, logger, m)
	return &fixture{
		cfg:      cfg,
		store:    st,
		registry: registry,
		deps: daemon.Dependencies{
			Store:    st,
			Dedup:    engine,
			Convert:  convert.NewJob(cfg, st, nullConverter{}, logger, m),
			Lease:    lease.NewManager(cfg, st, pool, clock.Real(), logger, m),
			Metrics:  m,
			Gatherer: registry,
		},
	}
}

func (f *fixture) newDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(f.cfg, f.deps, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestDaemonStartStop(t *testing.T) {
	f := newFixture(t)
	d := f.newDaemon(t)
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status, err := d.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Running || status.APIAddr == "" || status.Owner != "test-owner" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if len(status.Jobs) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(status.Jobs))
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}
	other := f.newDaemon(t)
	if err := other.Start(ctx); !errors.Is(err, daemon.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	d.Stop()
	status, err = d.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
	if err := other.Start(ctx); err != nil {
		t.Fatalf("expected lock to be free after stop: %v", err)
	}
}

func TestRunJobRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	testsupport.AddConvertedLink(t, f.store, "vless://a@h:1", `{"server":"h"}`)
	second := testsupport.AddConvertedLink(t, f.store, "vless://b@h:1", `{"tag":"other","server":"h"}`)
	d := f.newDaemon(t)
	ctx := context.Background()

	if err := d.RunJob(ctx, daemon.JobDedup); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	if link := testsupport.MustGetLink(t, f.store, second); !link.IsDuplicate {
		t.Fatalf("expected dedup job to mark duplicate, got %+v", link)
	}
	if err := d.RunJob(ctx, "bogus"); !errors.Is(err, daemon.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}

	status, err := d.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	for _, job := range status.Jobs {
		if job.Name != daemon.JobDedup {
			continue
		}
		if job.Runs != 1 || job.LastRun.IsZero() || job.Error != "" || job.Running {
			t.Fatalf("unexpected job status: %+v", job)
		}
	}
	if status.Summary.Duplicates != 1 {
		t.Fatalf("expected summary to count the duplicate, got %+v", status.Summary)
	}

	families, err := f.registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "linkpool_daemon_job_runs_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected job run metric")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.cfg.Daemon.DedupSchedule = "every now and then"
	if _, err := daemon.New(f.cfg, f.deps, logging.NewNop()); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}

	f.cfg.Daemon.DedupSchedule = ""
	if _, err := daemon.New(f.cfg, f.deps, logging.NewNop()); err != nil {
		t.Fatalf("expected empty schedule to disable the job: %v", err)
	}
}

func request(t *testing.T, method, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestAPIServer(t *testing.T) {
	f := newFixture(t)
	f.cfg.Daemon.APIToken = "secret"
	d := f.newDaemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	base := "http://" + d.Addr()

	if code, _ := request(t, http.MethodGet, base+"/api/status", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	code, body := request(t, http.MethodGet, base+"/api/status", "secret")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var status daemon.Status
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running {
		t.Fatalf("expected running status, got %s", body)
	}

	if code, body := request(t, http.MethodPost, base+"/api/jobs/reclaim", "secret"); code != http.StatusOK {
		t.Fatalf("expected job run to succeed, got %d: %s", code, body)
	}
	if code, _ := request(t, http.MethodPost, base+"/api/jobs/bogus", "secret"); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", code)
	}
	if code, body := request(t, http.MethodGet, base+"/api/health", "secret"); code != http.StatusOK {
		t.Fatalf("expected healthy database, got %d: %s", code, body)
	}

	code, body = request(t, http.MethodGet, base+"/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, `linkpool_daemon_job_runs_total{job="reclaim",status="ok"} 1`) {
		t.Fatalf("unexpected metrics response %d: %s", code, body)
	}
}
