// ABOUTME: HTTP client plumbing for the LLM backend API
// ABOUTME: Shared request/response handling, auth headers, and error classification

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Failure classes for backend operations. Callers classify with errors.Is.
var (
	// ErrUnavailable covers network failures, auth rejections, and server errors.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrRateLimited is returned on provider throttling. The client never
	// retries automatically; backoff is the caller's decision.
	ErrRateLimited = errors.New("backend rate limited")
	// ErrMalformedResponse is returned when a payload lacks expected fields.
	ErrMalformedResponse = errors.New("malformed backend response")
	// ErrRunTimedOut is returned when an assistant run does not reach a
	// terminal state within the configured polling ceiling.
	ErrRunTimedOut = errors.New("assistant run timed out")
)

// Message roles used on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry in a completion prompt or an assistant thread.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config holds everything the client needs to talk to the provider.
type Config struct {
	URL             string
	APIKey          string
	Model           string
	Temperature     float64
	MaxTokens       int
	AssistantID     string
	RunInstructions string
	PollInterval    time.Duration
	PollTimeout     time.Duration
}

// Client talks to an OpenAI-compatible LLM API. It holds no conversational
// state; continuity lives entirely in the session layer.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// requestTimeout bounds a single HTTP round trip. Run polling issues many
// short requests, so the overall wait is governed by cfg.PollTimeout instead.
const requestTimeout = 2 * time.Minute

// NewClient creates a backend client from the given config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger.With("component", "backend"),
	}
}

// apiError is the provider's error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// doJSON performs one authenticated JSON round trip and decodes the response
// into out. Non-2xx statuses are classified into the package error taxonomy.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	// Required by the assistant-thread endpoints, ignored by the rest.
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.http.Do(req)
	if err != nil {
		// Both ends of the chain stay matchable: the taxonomy sentinel for
		// the engine, the transport error (incl. context cancellation) for
		// shutdown handling.
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.classifyStatus(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding body: %v", ErrMalformedResponse, err)
	}
	return nil
}

// classifyStatus maps a non-2xx response onto the error taxonomy, carrying
// the provider's error message when one is present.
func (c *Client) classifyStatus(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	detail := strings.TrimSpace(string(data))
	var envelope apiError
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
		detail = envelope.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, detail)
	}
}
