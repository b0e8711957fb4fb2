// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is where the bridge listens by default.
const DefaultBaseURL = "http://localhost:3001"

// HealthTimeout bounds a single health probe.
const HealthTimeout = 2 * time.Second

// ConnectFailure is the error text reported when a command could not reach
// the bridge.
const ConnectFailure = "failed to connect to bridge"

// ErrUnavailable wraps transport failures.
var ErrUnavailable = errors.New("bridge unavailable")

// =============================================================================
// TYPES
// =============================================================================

// Node types.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// Node is one filesystem entry.
type Node struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
	Size *int64 `json:"size,omitempty"`
}

// IsDir reports whether the node is a directory.
func (n Node) IsDir() bool {
	return n.Type == TypeDirectory
}

// RunResult is the outcome of a bridge command.
type RunResult struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Format renders the result the way it is fed back to the model: stdout
// when there is any, stderr otherwise.
func (r RunResult) Format() string {
	if r.Output != "" {
		return "[STDOUT] " + r.Output
	}
	return "[STDERR] " + r.Error
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the bridge. It is safe for concurrent use.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL (with or without the /api suffix).
func NewClient(baseURL string) *Client {
	c := &Client{
		// Command execution has no client-side deadline; callers bound it
		// with their context.
		http: &http.Client{},
	}
	c.SetBaseURL(baseURL)
	return c
}

// SetBaseURL repoints the client.
func (c *Client) SetBaseURL(baseURL string) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/api")

	c.mu.Lock()
	c.baseURL = baseURL
	c.mu.Unlock()
}

// BaseURL returns the bridge root.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.BaseURL() + "/api" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Health probes the bridge with a HealthTimeout deadline. Any 2xx status
// is healthy.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health", nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: health returned %s", ErrUnavailable, resp.Status)
	}
	return nil
}

// ListFiles lists a directory. A failure returns a nil slice and an error;
// an empty directory returns an empty, non-nil slice.
func (c *Client) ListFiles(ctx context.Context, path string) ([]Node, error) {
	if path == "" {
		path = "/"
	}

	var nodes []Node
	if err := c.getJSON(ctx, "/files", url.Values{"path": {path}}, &nodes); err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []Node{}
	}
	return nodes, nil
}

// ReadFile returns a file's content, or "" when the bridge sends none.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.getJSON(ctx, "/read", url.Values{"path": {path}}, &body); err != nil {
		return "", err
	}
	return body.Content, nil
}

// Run executes a command on the bridge. The result is always usable: when
// the bridge cannot be reached its Error is ConnectFailure and the
// transport error is returned alongside.
func (c *Client) Run(ctx context.Context, command string) (RunResult, error) {
	payload, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return RunResult{Error: err.Error()}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/run", nil), bytes.NewReader(payload))
	if err != nil {
		return RunResult{Error: ConnectFailure}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return RunResult{Error: ConnectFailure}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	var res RunResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return RunResult{Error: ConnectFailure}, fmt.Errorf("%w: bad run response: %v", ErrUnavailable, err)
	}
	return res, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s", req.Method, path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", req.Method, path, err)
	}
	return nil
}

func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
