package logging_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"linkpool/internal/config"
	"linkpool/internal/logging"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(content)
}

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("hello from config")

	content := readLog(t, filepath.Join(cfg.Paths.LogDir, "linkpool.log"))
	if !strings.Contains(content, "hello from config") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerRendersComponentAndSubject(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "info",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := logging.WithBatchID(logging.WithLinkID(context.Background(), 12), "1a2b3c4d-5e6f")
	lease := logging.WithContext(ctx, logging.NewComponentLogger(logger, "lease"))
	lease.Info("claimed", logging.String("owner", "host:42"), logging.Error(errors.New("boom here")))

	content := readLog(t, logPath)
	if !strings.Contains(content, "INFO lease [Link #12 · batch 1a2b3c4d]: claimed") {
		t.Fatalf("expected component and subject, got %q", content)
	}
	if !strings.Contains(content, "owner=host:42") {
		t.Fatalf("expected owner attribute, got %q", content)
	}
	if !strings.Contains(content, `error="boom here"`) {
		t.Fatalf("expected quoted error, got %q", content)
	}
	if strings.Contains(content, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("with caller")

	if content := readLog(t, logPath); !strings.Contains(content, "logger_test.go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestJSONLoggerUsesStableKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.NewComponentLogger(logger, "dedup").Info("pass complete", logging.Int("groups", 3))

	var payload map[string]any
	line := strings.TrimSpace(readLog(t, logPath))
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("decode json log line %q: %v", line, err)
	}
	if payload["level"] != "info" {
		t.Fatalf("expected lower-case level, got %v", payload["level"])
	}
	if _, ok := payload["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", payload)
	}
	if payload["component"] != "dedup" {
		t.Fatalf("expected component, got %v", payload["component"])
	}
	if payload["groups"] != float64(3) {
		t.Fatalf("expected groups=3, got %v", payload["groups"])
	}
}

func TestJSONLoggerRecordsCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json-debug.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("with caller", logging.LinkID(7))

	var payload map[string]any
	line := strings.TrimSpace(readLog(t, logPath))
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("decode json log line %q: %v", line, err)
	}
	caller, _ := payload["caller"].(string)
	if !strings.HasPrefix(caller, "logger_test.go:") {
		t.Fatalf("expected caller file:line, got %v", payload)
	}
	if payload["link_id"] != float64(7) {
		t.Fatalf("expected link_id=7, got %v", payload["link_id"])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestArgsPreservesAttrs(t *testing.T) {
	args := logging.Args(logging.LinkID(7), logging.Owner("host:1"))
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
	first, ok := args[0].(slog.Attr)
	if !ok || first.Key != logging.FieldLinkID || first.Value.Int64() != 7 {
		t.Fatalf("unexpected first arg: %#v", args[0])
	}
}
