package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/repository"
)

// Header names match the daemon's defaults.
const (
	defaultHeaderAPIKey = "x-api-key"
	defaultHeaderExtra  = "x-api-extra"
)

// Client talks to the control API of a running fieldsync daemon.
type Client struct {
	baseURL     string
	apiKey      string
	apiExtra    string
	headerKey   string
	headerExtra string
	http        *http.Client
}

func NewClient(opts *RootOptions) *Client {
	return &Client{
		baseURL:     strings.TrimRight(opts.Addr, "/"),
		apiKey:      opts.APIKey,
		apiExtra:    opts.APIExtra,
		headerKey:   defaultHeaderAPIKey,
		headerExtra: defaultHeaderExtra,
		http:        &http.Client{Timeout: opts.Timeout},
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode  int
	Message     string
	OperationID string
	RetryCount  int
	Evicted     bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// TransportError means the daemon could not be reached.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("daemon unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type QueueStatus struct {
	Depth      int                       `json:"depth"`
	Syncing    bool                      `json:"syncing"`
	Online     bool                      `json:"online"`
	Operations []models.PendingOperation `json:"operations"`
}

type SyncResult struct {
	Depth   int  `json:"depth"`
	Syncing bool `json:"syncing"`
}

func (c *Client) Enqueue(ctx context.Context, kind models.OperationKind, resource string, payload json.RawMessage) (models.PendingOperation, error) {
	body := map[string]any{"kind": kind, "resource": resource, "payload": payload}
	var out struct {
		Operation models.PendingOperation `json:"operation"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/operations", body, &out); err != nil {
		return models.PendingOperation{}, err
	}
	return out.Operation, nil
}

func (c *Client) Sync(ctx context.Context) (SyncResult, error) {
	var out SyncResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/sync", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (QueueStatus, error) {
	var out QueueStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/queue", nil, &out)
	return out, err
}

func (c *Client) Clear(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/queue", nil, nil)
}

func (c *Client) DeadLetters(ctx context.Context, limit int) ([]repository.DeadLetterEntry, error) {
	path := "/api/v1/deadletter"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		DeadLetters []repository.DeadLetterEntry `json:"dead_letters"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.DeadLetters, err
}

// Export streams the pending workbook into w and returns the byte count.
func (c *Client) Export(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/queue/export", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	resp, err := c.do(ctx, method, path, reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends the request and turns non-2xx answers into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if _, err := url.Parse(c.baseURL); err != nil || c.baseURL == "" {
		return nil, &TransportError{Err: fmt.Errorf("invalid daemon address %q", c.baseURL)}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.headerKey, c.apiKey)
		req.Header.Set(c.headerExtra, c.apiExtra)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var payload struct {
		Error       string `json:"error"`
		OperationID string `json:"operation_id"`
		RetryCount  int    `json:"retry_count"`
		Evicted     bool   `json:"evicted"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
	}
	return nil, &APIError{
		StatusCode:  resp.StatusCode,
		Message:     payload.Error,
		OperationID: payload.OperationID,
		RetryCount:  payload.RetryCount,
		Evicted:     payload.Evicted,
	}
}

func defaultTimeout() time.Duration {
	return 2 * time.Minute
}
