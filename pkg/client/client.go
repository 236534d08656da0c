package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the task or process is unknown to the run.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a retrigger hits a node that is still running.
var ErrConflict = errors.New("conflict")

// Client talks to the status API of a running `devtasks run --status-listen`.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9100",
		Timeout: 10 * time.Second,
	}
}

// New creates a status API client. BaseURL is the server root; the /api
// prefix is added per request.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the status API answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tasks", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Status API unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("Status API reachability check", "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

// Tasks lists every node of the current run in topological order.
func (c *Client) Tasks(ctx context.Context) ([]TaskStatus, error) {
	var out []TaskStatus
	err := c.doRequest(ctx, http.MethodGet, "/api/tasks", &out)
	return out, err
}

// Task returns one node, with the process status for process nodes.
func (c *Client) Task(ctx context.Context, name string) (TaskStatus, error) {
	var out TaskStatus
	err := c.doRequest(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(name), &out)
	return out, err
}

// Retrigger asks the scheduler to rerun a finished node.
func (c *Client) Retrigger(ctx context.Context, name string) error {
	c.logger.Debug("Retriggering task", "name", name)
	return c.doRequest(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(name)+"/retrigger", nil)
}

// Processes lists supervised processes.
func (c *Client) Processes(ctx context.Context) ([]ProcessStatus, error) {
	var out []ProcessStatus
	err := c.doRequest(ctx, http.MethodGet, "/api/processes", &out)
	return out, err
}

// Restart restarts a process without consuming its restart budget.
func (c *Client) Restart(ctx context.Context, name string) error {
	c.logger.Debug("Restarting process", "name", name)
	return c.doRequest(ctx, http.MethodPost, "/api/processes/"+url.PathEscape(name)+"/restart", nil)
}

// Ports lists persisted port allocations.
func (c *Client) Ports(ctx context.Context) ([]PortAllocation, error) {
	var out []PortAllocation
	err := c.doRequest(ctx, http.MethodGet, "/api/ports", &out)
	return out, err
}

// Resources returns the latest usage sample per process.
func (c *Client) Resources(ctx context.Context) (map[string]Resources, error) {
	out := map[string]Resources{}
	err := c.doRequest(ctx, http.MethodGet, "/api/resources", &out)
	return out, err
}

// doRequest performs an HTTP request and decodes a 2xx body into out when
// out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, out any) error {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = ErrNotFound
	case http.StatusConflict:
		sentinel = ErrConflict
	}

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	var errorResp ErrorResponse
	if err := json.Unmarshal(buf.Bytes(), &errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		if sentinel != nil {
			return fmt.Errorf("HTTP %d: %w", resp.StatusCode, sentinel)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if sentinel != nil {
		return fmt.Errorf("API error: %s: %w", errorResp.Error, sentinel)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
