package bridge

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"linkpool/internal/config"
	"linkpool/internal/logging"
	"linkpool/internal/metrics"
)

//go:embed bridge.js
var defaultScript []byte

const (
	readySentinel  = "READY"
	errorPrefix    = "ERR:"
	nullToken      = "null"
	maxLineBytes   = 4 << 20
	reapTimeout    = 2 * time.Second
	bundleDirEnv   = "LINKPOOL_BUNDLE_DIR"
	scriptTempName = "linkpool-bridge-*.js"
)

var (
	// ErrHandshake reports a process that exited, failed, or stayed silent
	// before signalling readiness.
	ErrHandshake = errors.New("conversion process did not signal readiness")
	// ErrClosed reports a call on a closed supervisor.
	ErrClosed = errors.New("conversion bridge closed")
)

// Options configures a Supervisor.
type Options struct {
	// Interpreter runs the script, e.g. node.
	Interpreter string
	// BundleDir is exported to the process as LINKPOOL_BUNDLE_DIR.
	BundleDir string
	// Script replaces the embedded bridge script when non-empty.
	Script []byte
	// Env holds extra KEY=VALUE entries for the process environment.
	Env          []string
	Timeout      time.Duration
	ReadyTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// OptionsFromConfig maps the bridge configuration section to Options. A
// configured script path is read once here.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := Options{
		Interpreter:  cfg.Bridge.Interpreter,
		BundleDir:    cfg.Bridge.BundleDir,
		Timeout:      cfg.BridgeTimeout(),
		ReadyTimeout: cfg.BridgeReadyTimeout(),
	}
	if path := strings.TrimSpace(cfg.Bridge.Script); path != "" {
		script, err := os.ReadFile(path)
		if err != nil {
			return Options{}, fmt.Errorf("read bridge script: %w", err)
		}
		opts.Script = script
	}
	return opts, nil
}

// Supervisor owns one persistent conversion process and serializes calls to
// it. A call that times out or hits a dead process kills the process group
// and yields no result; the next call starts a fresh process.
type Supervisor struct {
	opts   Options
	script []byte
	logger *slog.Logger

	// slot is a one-slot semaphore guarding proc and closed.
	slot   chan struct{}
	proc   *process
	closed bool
}

// New returns a Supervisor. The process starts on Start or on the first call.
func New(opts Options) *Supervisor {
	script := opts.Script
	if len(script) == 0 {
		script = defaultScript
	}
	if opts.Interpreter == "" {
		opts.Interpreter = "node"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 20 * time.Second
	}
	return &Supervisor{
		opts:   opts,
		script: script,
		logger: logging.NewComponentLogger(opts.Logger, "bridge"),
		slot:   make(chan struct{}, 1),
	}
}

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() {
	<-s.slot
}

// Start launches the process and waits for its handshake if it is not
// already running.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.ensureRunning(ctx)
}

// Convert converts one link with the default timeout.
func (s *Supervisor) Convert(ctx context.Context, link string) (json.RawMessage, error) {
	return s.ConvertTimeout(ctx, link, s.opts.Timeout)
}

// ConvertTimeout writes link as one request line and returns the JSON
// response. A nil result with a nil error means no configuration: the link
// was rejected, unsupported, or the call timed out. Errors are returned only
// when the process cannot be started or ctx ends.
func (s *Supervisor) ConvertTimeout(ctx context.Context, link string, timeout time.Duration) (json.RawMessage, error) {
	if strings.TrimSpace(link) == "" {
		return nil, nil
	}
	if timeout <= 0 {
		timeout = s.opts.Timeout
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	if err := s.ensureRunning(ctx); err != nil {
		return nil, err
	}

	started := time.Now()
	result, outcome, err := s.roundTrip(ctx, normalizeRequest(link), timeout)
	s.opts.Metrics.BridgeCall(outcome, time.Since(started))
	return result, err
}

func (s *Supervisor) roundTrip(ctx context.Context, request string, timeout time.Duration) (json.RawMessage, string, error) {
	proc := s.proc
	if stale := proc.drain(); stale > 0 {
		s.logger.Warn("discarded unsolicited conversion output", logging.Int("lines", stale))
	}
	if _, err := io.WriteString(proc.stdin, request); err != nil {
		s.logger.Warn("write to conversion process failed, restarting on next call", logging.Error(err))
		s.stop()
		return nil, "crash", nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-proc.lines:
		if !ok {
			s.logger.Warn("conversion process exited mid-call, restarting on next call")
			s.stop()
			return nil, "crash", nil
		}
		result, outcome := parseResponse(line)
		return result, outcome, nil
	case <-timer.C:
		s.logger.Warn("conversion call timed out, killing process", logging.Duration("timeout", timeout))
		s.stop()
		return nil, "timeout", nil
	case <-ctx.Done():
		s.stop()
		return nil, "canceled", ctx.Err()
	}
}

// normalizeRequest flattens line breaks so the link fits one request line.
func normalizeRequest(link string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(link) + "\n"
}

func parseResponse(line string) (json.RawMessage, string) {
	text := strings.TrimSpace(line)
	switch {
	case text == "" || strings.EqualFold(text, nullToken):
		return nil, "null"
	case strings.HasPrefix(text, errorPrefix):
		return nil, "error"
	case !json.Valid([]byte(text)):
		return nil, "invalid"
	default:
		return json.RawMessage(text), "ok"
	}
}

// Close stops the process and rejects further calls. It waits for an
// in-flight call to finish.
func (s *Supervisor) Close() error {
	s.slot <- struct{}{}
	defer s.release()
	s.closed = true
	s.stop()
	return nil
}

func (s *Supervisor) ensureRunning(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.proc != nil && !s.proc.exited() {
		return nil
	}
	s.stop()

	proc, err := s.launch()
	if err != nil {
		return err
	}
	s.proc = proc
	s.opts.Metrics.BridgeStarted()

	if err := s.awaitReady(ctx, proc); err != nil {
		s.stop()
		return err
	}
	s.logger.Debug("conversion process ready", logging.Int("pid", proc.cmd.Process.Pid))
	return nil
}

func (s *Supervisor) awaitReady(ctx context.Context, proc *process) error {
	timer := time.NewTimer(s.opts.ReadyTimeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-proc.lines:
			if !ok {
				return fmt.Errorf("process exited: %w", ErrHandshake)
			}
			text := strings.TrimSpace(line)
			if text == readySentinel {
				return nil
			}
			if strings.HasPrefix(text, errorPrefix) {
				return fmt.Errorf("%s: %w", text, ErrHandshake)
			}
		case <-timer.C:
			return fmt.Errorf("no handshake within %s: %w", s.opts.ReadyTimeout, ErrHandshake)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stop kills the current process group, if any, and removes its script.
func (s *Supervisor) stop() {
	if s.proc == nil {
		return
	}
	s.proc.kill()
	s.proc = nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	quit   chan struct{}
	done   chan struct{}
	script string
}

func (s *Supervisor) launch() (*process, error) {
	file, err := os.CreateTemp("", scriptTempName)
	if err != nil {
		return nil, fmt.Errorf("create bridge script: %w", err)
	}
	scriptPath := file.Name()
	if _, err := file.Write(s.script); err != nil {
		file.Close()
		os.Remove(scriptPath)
		return nil, fmt.Errorf("write bridge script: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(scriptPath)
		return nil, fmt.Errorf("close bridge script: %w", err)
	}

	cmd := exec.Command(s.opts.Interpreter, scriptPath) //nolint:gosec
	cmd.Env = append(os.Environ(), bundleDirEnv+"="+s.opts.BundleDir)
	cmd.Env = append(cmd.Env, s.opts.Env...)
	cmd.Stderr = io.Discard
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.Remove(scriptPath)
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(scriptPath)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		os.Remove(scriptPath)
		return nil, fmt.Errorf("start %s: %w", s.opts.Interpreter, err)
	}

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		script: scriptPath,
	}
	go proc.read(stdout)
	return proc, nil
}

// read forwards stdout lines until EOF, then reaps the process.
func (p *process) read(stdout io.Reader) {
	defer close(p.done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		select {
		case p.lines <- scanner.Text():
		case <-p.quit:
			_, _ = io.Copy(io.Discard, stdout)
			_ = p.cmd.Wait()
			return
		}
	}
	close(p.lines)
	_ = p.cmd.Wait()
}

// drain discards lines already read but not requested, so a stray line never
// answers the next call.
func (p *process) drain() int {
	n := 0
	for {
		select {
		case _, ok := <-p.lines:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) kill() {
	close(p.quit)
	_ = p.stdin.Close()
	// A reaped group id may be reused, so only signal a live process.
	if !p.exited() {
		_ = unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	}
	select {
	case <-p.done:
	case <-time.After(reapTimeout):
	}
	_ = os.Remove(p.script)
}
