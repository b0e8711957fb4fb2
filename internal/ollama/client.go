// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/karawan/internal/stream"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
	ErrTypeStreamInterrupted
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// DefaultBaseURL is where a local Ollama listens.
const DefaultBaseURL = "http://localhost:11434"

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama server root, without the /api suffix.
	BaseURL string

	// Timeout for non-streaming requests (default: 30s).
	// Chat streams have no timeout and run until done or cancelled.
	Timeout time.Duration

	// ReadBufferSize is the transport read size for chat streams.
	ReadBufferSize int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:        DefaultBaseURL,
		Timeout:        30 * time.Second,
		ReadBufferSize: 4096,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the Ollama API.
//
// The Client is safe for concurrent use.
//
// Example:
//
//	client := ollama.NewClient(nil)
//	res, err := client.ChatStream(ctx, req, func(d stream.Delta) {
//	    fmt.Print(d.Answer)
//	})
type Client struct {
	mu           sync.RWMutex
	config       ClientConfig
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a new Ollama client. A nil config uses DefaultConfig.
func NewClient(config *ClientConfig) *Client {
	cfg := DefaultConfig()
	if config != nil {
		if config.BaseURL != "" {
			cfg.BaseURL = config.BaseURL
		}
		if config.Timeout > 0 {
			cfg.Timeout = config.Timeout
		}
		if config.ReadBufferSize > 0 {
			cfg.ReadBufferSize = config.ReadBufferSize
		}
	}
	cfg.BaseURL = normalizeBaseURL(cfg.BaseURL)

	return &Client{
		config:     *cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// Streams are bounded by their context only.
		streamClient: &http.Client{},
	}
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.BaseURL
}

// SetBaseURL points the client at another server. Streams already open are
// unaffected.
func (c *Client) SetBaseURL(url string) {
	if url == "" {
		url = DefaultBaseURL
	}
	c.mu.Lock()
	c.config.BaseURL = normalizeBaseURL(url)
	c.mu.Unlock()
}

func normalizeBaseURL(url string) string {
	url = strings.TrimRight(url, "/")
	return strings.TrimSuffix(url, "/api")
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that Ollama is reachable and running.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL(), nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeConnection,
			Message: "unexpected status from Ollama: " + resp.Status,
		}
	}

	return nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels retrieves all locally installed models from /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+"/api/tags", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "failed to list models: " + resp.Status,
		}
	}

	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	if result.Models == nil {
		result.Models = []ModelInfo{}
	}

	return result.Models, nil
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// DeltaHandler receives decoded increments in arrival order.
type DeltaHandler func(delta stream.Delta)

// ChatStream sends a streaming chat request and feeds each transport chunk
// through a stream.Decoder, calling fn synchronously for every delta.
//
// It returns when the server closes the stream, the context is cancelled,
// or the transport fails. Cancellation returns the context's error
// unwrapped so callers can tell it apart from failures. The returned
// result is non-nil whenever the stream was opened, and holds everything
// decoded up to the point of return.
func (c *Client) ChatStream(ctx context.Context, chatReq ChatRequest, fn DeltaHandler) (*StreamResult, error) {
	chatReq.Stream = true
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrModelNotFound
	}

	if resp.StatusCode != http.StatusOK {
		var ollamaErr OllamaError
		if err := json.NewDecoder(resp.Body).Decode(&ollamaErr); err == nil && ollamaErr.Error != "" {
			return nil, &ClientError{
				Type:    ErrTypeInvalidResponse,
				Message: ollamaErr.Error,
			}
		}
		return nil, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "stream request failed: " + resp.Status,
		}
	}

	return c.consume(ctx, resp.Body, fn)
}

// consume drives the decoder one transport chunk at a time. The context is
// checked at every chunk boundary.
func (c *Client) consume(ctx context.Context, body io.Reader, fn DeltaHandler) (*StreamResult, error) {
	c.mu.RLock()
	size := c.config.ReadBufferSize
	c.mu.RUnlock()

	var (
		dec       = stream.NewDecoder()
		buf       = make([]byte, size)
		answer    strings.Builder
		reasoning strings.Builder
	)

	deliver := func(deltas []stream.Delta) {
		for _, d := range deltas {
			answer.WriteString(d.Answer)
			reasoning.WriteString(d.Reasoning)
			if fn != nil {
				fn(d)
			}
		}
	}

	result := func() *StreamResult {
		return &StreamResult{
			Answer:    answer.String(),
			Reasoning: reasoning.String(),
			Done:      dec.Done(),
			Dropped:   dec.Dropped(),
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return result(), err
		}

		n, err := body.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return result(), ctx.Err()
			}
			deliver(dec.Write(buf[:n]))
		}

		if errors.Is(err, io.EOF) {
			deliver(dec.Close())
			if msg := dec.Err(); msg != "" {
				return result(), &ClientError{Type: ErrTypeInvalidResponse, Message: msg}
			}
			return result(), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return result(), ctx.Err()
			}
			return result(), &ClientError{Type: ErrTypeStreamInterrupted, Message: "stream interrupted", Cause: err}
		}
	}
}

// =============================================================================
// UTILITY METHODS
// =============================================================================

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return &ClientError{Type: ErrTypeNotRunning, Message: ErrNotRunning.Message, Cause: err}
}

// IsModelNotFound checks if an error is a model not found error.
func IsModelNotFound(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeModelNotFound
	}
	return false
}

// IsNotRunning checks if an error indicates Ollama is not running.
func IsNotRunning(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeNotRunning
	}
	return false
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeTimeout
	}
	return false
}

// Helper to drain response body
func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
