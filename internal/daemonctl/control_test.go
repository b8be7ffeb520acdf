package daemonctl_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"linkpool/internal/daemon"
	"linkpool/internal/daemonctl"
	"linkpool/internal/daemonrun"
	"linkpool/internal/logging"
	"linkpool/internal/testsupport"
)

func startDaemon(t *testing.T, token string) (*daemon.Daemon, *daemonrun.Services) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Daemon.APIToken = token
	services, err := daemonrun.Build(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { services.Close() })
	d, err := daemon.New(cfg, services.DaemonDependencies(), logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(d.Stop)
	return d, services
}

func TestClientTalksToDaemon(t *testing.T) {
	d, services := startDaemon(t, "secret")
	testsupport.AddLink(t, services.Store, "vless://a@example.com:443")
	ctx := context.Background()

	if _, err := daemonctl.NewClient(d.Addr(), "wrong").Status(ctx); !errors.Is(err, daemonctl.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	client := daemonctl.NewClient(d.Addr(), "secret")
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Running || status.Owner != "test-owner" || status.Summary.Links != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if len(status.Jobs) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(status.Jobs))
	}

	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if !health.IntegrityCheck || len(health.MissingTables) != 0 {
		t.Fatalf("unexpected health: %+v", health)
	}

	if err := client.RunJob(ctx, daemon.JobReclaim); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	if err := client.RunJob(ctx, "bogus"); err == nil {
		t.Fatal("expected unknown job to fail")
	}
	status, err = client.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	for _, job := range status.Jobs {
		if job.Name == daemon.JobReclaim && job.Runs != 1 {
			t.Fatalf("expected reclaim to have run once, got %+v", job)
		}
	}
}

func TestClientReportsNotRunning(t *testing.T) {
	d, _ := startDaemon(t, "")
	addr := d.Addr()
	d.Stop()

	_, err := daemonctl.NewClient(addr, "").Status(context.Background())
	if !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestEnsureStartedDetectsRunningDaemon(t *testing.T) {
	d, services := startDaemon(t, "")
	cfg := *services.Config
	cfg.Daemon.MetricsBind = d.Addr()

	result, err := daemonctl.EnsureStarted(context.Background(), &cfg, "", daemonctl.LaunchOptions{}, time.Second)
	if err != nil {
		t.Fatalf("EnsureStarted failed: %v", err)
	}
	if result.State != daemonctl.StartStateAlreadyRunning {
		t.Fatalf("expected already running, got %+v", result)
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	missing := dir + "/missing.pid"
	if pid, err := daemonctl.ReadPID(missing); err != nil || pid != 0 {
		t.Fatalf("expected 0 for missing file, got %d %v", pid, err)
	}
	bad := dir + "/bad.pid"
	if err := os.WriteFile(bad, []byte("nope\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := daemonctl.ReadPID(bad); err == nil {
		t.Fatal("expected malformed pid to fail")
	}
}

// spawn starts a child process, records it in the pid file, and reaps it in
// the background so it stops counting as alive once it exits.
func spawn(t *testing.T, pidPath string, script string) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	pid := cmd.Process.Pid
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	return pid
}

func TestStopAndTerminate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	if _, err := daemonctl.StopAndTerminate(cfg, time.Second); !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning without a pid file, got %v", err)
	}

	pid := spawn(t, cfg.PIDPath(), "exec sleep 30")
	result, err := daemonctl.StopAndTerminate(cfg, 3*time.Second)
	if err != nil {
		t.Fatalf("StopAndTerminate failed: %v", err)
	}
	if result.PID != pid || result.ForcedKill {
		t.Fatalf("expected graceful stop of %d, got %+v", pid, result)
	}
	if alive, _, _ := daemonctl.ProcessInfo(cfg); alive {
		t.Fatal("expected process to be gone")
	}
}

func TestStopAndTerminateForcesStubbornProcess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	spawn(t, cfg.PIDPath(), `trap "" TERM; while :; do sleep 0.1; done`)
	time.Sleep(100 * time.Millisecond)
	result, err := daemonctl.StopAndTerminate(cfg, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("StopAndTerminate failed: %v", err)
	}
	if !result.ForcedKill {
		t.Fatalf("expected forced kill, got %+v", result)
	}
	if _, err := os.Stat(cfg.PIDPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected pid file removed, stat err %v", err)
	}
}
