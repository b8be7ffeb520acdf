package bridge_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"linkpool/internal/bridge"
	"linkpool/internal/config"
)

// echoScript records each start and its own path, then answers requests by
// prefix.
const echoScript = `echo "$0" >> "$BRIDGE_STARTS"
echo booting
echo READY
while IFS= read -r line; do
  case "$line" in
    slow*) sleep 5; echo '{"late":true}' ;;
    bad*) echo 'ERR:EX' ;;
    none*) echo 'NULL' ;;
    garbage*) echo 'not json' ;;
    die*) exit 1 ;;
    noisy*) echo "diagnostic output" >&2; echo '{"noisy":true}' ;;
    chatty*) echo '{"chatty":true}'; echo '{"stray":true}' ;;
    *) echo "{\"link\":\"$line\"}" ;;
  esac
done
`

type harness struct {
	sup    *bridge.Supervisor
	starts string
}

func newHarness(t *testing.T, script string, timeout time.Duration) *harness {
	t.Helper()
	starts := filepath.Join(t.TempDir(), "starts")
	sup := bridge.New(bridge.Options{
		Interpreter:  "/bin/sh",
		Script:       []byte(script),
		Env:          []string{"BRIDGE_STARTS=" + starts},
		Timeout:      timeout,
		ReadyTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { sup.Close() })
	return &harness{sup: sup, starts: starts}
}

// scripts returns the script path recorded by each start.
func (h *harness) scripts(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.starts)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read starts: %v", err)
	}
	return strings.Fields(string(data))
}

func (h *harness) convert(t *testing.T, link string) string {
	t.Helper()
	out, err := h.sup.Convert(context.Background(), link)
	if err != nil {
		t.Fatalf("Convert(%q) returned error: %v", link, err)
	}
	return string(out)
}

func TestConvertReturnsJSON(t *testing.T) {
	h := newHarness(t, echoScript, 2*time.Second)

	if got := h.convert(t, "vless://a@h:1"); got != `{"link":"vless://a@h:1"}` {
		t.Fatalf("unexpected response %q", got)
	}
	if got := h.convert(t, "line\r\nbreak"); got != `{"link":"line  break"}` {
		t.Fatalf("expected line breaks flattened, got %q", got)
	}
	if got := h.convert(t, "noisy"); got != `{"noisy":true}` {
		t.Fatalf("unexpected response %q", got)
	}
	if n := len(h.scripts(t)); n != 1 {
		t.Fatalf("expected a single process start, got %d", n)
	}
}

func TestStrayOutputDoesNotShiftResponses(t *testing.T) {
	h := newHarness(t, echoScript, 2*time.Second)

	if got := h.convert(t, "chatty"); got != `{"chatty":true}` {
		t.Fatalf("unexpected response %q", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := h.convert(t, "next"); got != `{"link":"next"}` {
		t.Fatalf("expected stray line discarded, got %q", got)
	}
	if got := h.convert(t, "after"); got != `{"link":"after"}` {
		t.Fatalf("expected responses to stay aligned, got %q", got)
	}
}

func TestConvertMapsRejectionsToNil(t *testing.T) {
	h := newHarness(t, echoScript, 2*time.Second)

	for _, link := range []string{"bad-link", "none", "garbage", "", "   "} {
		if got := h.convert(t, link); got != "" {
			t.Fatalf("expected no result for %q, got %q", link, got)
		}
	}
	if got := h.convert(t, "ok"); got != `{"link":"ok"}` {
		t.Fatalf("expected later calls unaffected, got %q", got)
	}
	if n := len(h.scripts(t)); n != 1 {
		t.Fatalf("expected rejections not to restart the process, got %d starts", n)
	}
}

func TestTimeoutKillsAndRestarts(t *testing.T) {
	h := newHarness(t, echoScript, 300*time.Millisecond)

	started := time.Now()
	if got := h.convert(t, "slow"); got != "" {
		t.Fatalf("expected no result on timeout, got %q", got)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
	if got := h.convert(t, "after"); got != `{"link":"after"}` {
		t.Fatalf("expected fresh process to answer, got %q", got)
	}

	scripts := h.scripts(t)
	if len(scripts) != 2 {
		t.Fatalf("expected 2 starts, got %v", scripts)
	}
	if _, err := os.Stat(scripts[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected first script removed, stat err %v", err)
	}
}

func TestCrashRestartsOnNextCall(t *testing.T) {
	h := newHarness(t, echoScript, 2*time.Second)

	if got := h.convert(t, "die"); got != "" {
		t.Fatalf("expected no result from crashed call, got %q", got)
	}
	if got := h.convert(t, "again"); got != `{"link":"again"}` {
		t.Fatalf("expected restart, got %q", got)
	}
	if n := len(h.scripts(t)); n != 2 {
		t.Fatalf("expected 2 starts, got %d", n)
	}
}

func TestHandshakeFailures(t *testing.T) {
	cases := map[string]string{
		"error sentinel": "echo ERR:OUTBOUND_NOT_FOUND\nexit 2\n",
		"early exit":     "exit 0\n",
		"silent":         "sleep 5\n",
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			sup := bridge.New(bridge.Options{Interpreter: "/bin/sh", Script: []byte(script), ReadyTimeout: 300 * time.Millisecond})
			defer sup.Close()
			if err := sup.Start(context.Background()); !errors.Is(err, bridge.ErrHandshake) {
				t.Fatalf("expected ErrHandshake, got %v", err)
			}
			if _, err := sup.Convert(context.Background(), "vless://a@h:1"); !errors.Is(err, bridge.ErrHandshake) {
				t.Fatalf("expected Convert to surface ErrHandshake, got %v", err)
			}
		})
	}
}

func TestCloseRemovesScriptAndRejectsCalls(t *testing.T) {
	h := newHarness(t, echoScript, 2*time.Second)
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	scripts := h.scripts(t)
	if len(scripts) != 1 {
		t.Fatalf("expected one start, got %v", scripts)
	}

	if err := h.sup.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(scripts[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected script removed on close, stat err %v", err)
	}
	if _, err := h.sup.Convert(context.Background(), "x"); !errors.Is(err, bridge.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConvertHonorsContext(t *testing.T) {
	h := newHarness(t, echoScript, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := h.sup.Convert(ctx, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if got := h.convert(t, "next"); got != `{"link":"next"}` {
		t.Fatalf("expected restart after cancellation, got %q", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.Script = filepath.Join(t.TempDir(), "custom.js")
	if err := os.WriteFile(cfg.Bridge.Script, []byte("custom"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	opts, err := bridge.OptionsFromConfig(&cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig failed: %v", err)
	}
	if string(opts.Script) != "custom" || opts.Timeout != 15*time.Second || opts.Interpreter != "node" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}
