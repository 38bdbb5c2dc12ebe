package executor

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

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// HTTPExecutor replays one operation against the remote REST API per call.
type HTTPExecutor struct {
	baseURL   string
	client    *http.Client
	authToken string
	headers   map[string]string
	limiter   *rate.Limiter
	logger    *zerolog.Logger
}

func NewHTTPExecutor(cfg config.RemoteConfig, logger *zerolog.Logger) *HTTPExecutor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(models.DefaultRemoteTimeout) * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}

	return &HTTPExecutor{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		authToken: cfg.AuthToken,
		headers:   cfg.Headers,
		limiter:   limiter,
		logger:    logger,
	}
}

// Execute performs exactly one attempt. It never retries.
func (e *HTTPExecutor) Execute(ctx context.Context, op models.PendingOperation) error {
	method, target, body, err := e.buildRequest(op)
	if err != nil {
		return err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return &TransportError{Err: err}
		}
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	// Reserved headers win over configured ones.
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", op.ID)
	if e.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.authToken)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	e.logger.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Str("operation_id", op.ID).
		Msg("Remote call finished")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RemoteRejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (e *HTTPExecutor) buildRequest(op models.PendingOperation) (method, target string, body []byte, err error) {
	if op.Resource == "" {
		return "", "", nil, fmt.Errorf("%w: empty resource", ErrMalformedPayload)
	}
	collection := e.baseURL + "/" + url.PathEscape(op.Resource)

	switch op.Kind {
	case models.KindCreate:
		if !json.Valid(op.Payload) {
			return "", "", nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedPayload)
		}
		return http.MethodPost, collection, op.Payload, nil
	case models.KindUpdate:
		id, err := RecordID(op.Payload)
		if err != nil {
			return "", "", nil, err
		}
		return http.MethodPut, collection + "/" + url.PathEscape(id), op.Payload, nil
	case models.KindDelete:
		id, err := RecordID(op.Payload)
		if err != nil {
			return "", "", nil, err
		}
		return http.MethodDelete, collection + "/" + url.PathEscape(id), nil, nil
	default:
		return "", "", nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedPayload, op.Kind)
	}
}

// RecordID reads the "id" field of a payload. Strings and numbers are accepted.
func RecordID(payload json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	raw, ok := fields["id"]
	if !ok {
		return "", fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", fmt.Errorf("%w: empty id", ErrMalformedPayload)
		}
		return s, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("%w: id must be a string or number", ErrMalformedPayload)
}
