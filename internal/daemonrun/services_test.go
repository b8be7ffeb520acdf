package daemonrun_test

import (
	"context"
	"os"
	"testing"
	"time"

	"linkpool/internal/daemonrun"
	"linkpool/internal/logging"
	"linkpool/internal/testsupport"
)

func TestBuildWiresServices(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	services, err := daemonrun.Build(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { services.Close() })

	deps := services.DaemonDependencies()
	if deps.Store == nil || deps.Dedup == nil || deps.Convert == nil || deps.Lease == nil || deps.Gatherer == nil {
		t.Fatalf("expected every dependency to be wired: %+v", deps)
	}
	if services.Lease.Owner() != "test-owner" {
		t.Fatalf("unexpected owner %q", services.Lease.Owner())
	}
	if _, err := services.Store.Stats(context.Background()); err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
}

func TestBuildRejectsBadDigest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Dedup.Digest = "md5"
	if _, err := daemonrun.Build(cfg, logging.NewNop()); err == nil {
		t.Fatal("expected unsupported digest to fail")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- daemonrun.Run(ctx, cfg, daemonrun.Options{LogLevel: "warn"}) }()

	pidPath := cfg.PIDPath()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(pidPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon did not write its pid file")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file to be removed, got %v", err)
	}
}
