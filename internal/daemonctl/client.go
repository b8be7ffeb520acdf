package daemonctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"linkpool/internal/config"
	"linkpool/internal/daemon"
	"linkpool/internal/store"
)

var (
	// ErrDaemonNotRunning indicates the daemon API is unreachable or no
	// daemon process exists.
	ErrDaemonNotRunning = errors.New("daemon not running")
	// ErrUnauthorized indicates the daemon rejected the API token.
	ErrUnauthorized = errors.New("daemon rejected api token")
)

// Client calls the daemon status API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the API listening on addr (host:port).
func NewClient(addr, token string) *Client {
	base := strings.TrimSpace(addr)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ClientFromConfig targets the configured metrics_bind address.
func ClientFromConfig(cfg *config.Config) *Client {
	return NewClient(cfg.Daemon.MetricsBind, cfg.Daemon.APIToken)
}

// Status fetches the daemon runtime status.
func (c *Client) Status(ctx context.Context) (*daemon.Status, error) {
	var status daemon.Status
	if _, err := c.do(ctx, http.MethodGet, "/api/status", &status, http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

// Health fetches database diagnostics. An unhealthy database is reported in
// the result, not as an error.
func (c *Client) Health(ctx context.Context) (*store.DatabaseHealth, error) {
	var health store.DatabaseHealth
	if _, err := c.do(ctx, http.MethodGet, "/api/health", &health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &health, nil
}

// RunJob asks the daemon to run one job and waits for it to finish.
func (c *Client) RunJob(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(name), nil, http.StatusOK)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, out any, accept ...int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if isUnavailable(err) {
			return 0, fmt.Errorf("%s: %w", c.baseURL, ErrDaemonNotRunning)
		}
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, ErrUnauthorized
	}
	if !acceptable(resp.StatusCode, accept) {
		var payload struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, payload.Error)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func acceptable(code int, accept []int) bool {
	for _, want := range accept {
		if code == want {
			return true
		}
	}
	return false
}

func isUnavailable(err error) bool {
	var opErr *net.OpError
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		(errors.As(err, &opErr) && opErr.Op == "dial")
}
