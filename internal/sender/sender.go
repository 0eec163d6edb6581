// Package sender performs one-shot request/response exchanges with the
// calculation server.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/calcsync/internal/types"
)

// RequestIDHeader carries a per-request ULID.
const RequestIDHeader = "X-Request-ID"

// TransportError reports a connection-level failure, or a health check
// answered with a status other than 200.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config tunes the sender.
type Config struct {
	Timeout time.Duration
}

// Sender talks to the server over plain HTTP. Every call opens its own
// connection and closes it before returning.
type Sender struct {
	baseURL string
	timeout time.Duration
}

// New creates a Sender for the server at baseURL.
func New(baseURL string, cfg Config) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Sender{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: cfg.Timeout,
	}
}

// CheckHealth probes GET /health. Any transport failure or non-200 status
// is returned as a *TransportError.
func (s *Sender) CheckHealth(ctx context.Context) error {
	target := s.baseURL + "/health"

	status, _, err := s.do(ctx, "health", http.MethodGet, target, nil, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		slog.Warn("health check rejected",
			"component", "sender",
			"action", "health_failed",
			"status", status,
		)
		return &TransportError{Op: "health", URL: target, StatusCode: status}
	}

	slog.Debug("health check ok",
		"component", "sender",
		"action", "health_ok",
	)
	return nil
}

// Submit posts expr to /calc. A 200 response yields the created record.
// Any other status is an application-level rejection: the status is
// returned with a nil record and nil error. Connection failures return a
// *TransportError; a malformed 200 body returns an error wrapping
// types.ErrDecode.
func (s *Sender) Submit(ctx context.Context, expr string, float bool) (int, *types.Record, error) {
	body, err := json.Marshal(expr)
	if err != nil {
		return 0, nil, fmt.Errorf("encode expression: %w", err)
	}

	q := url.Values{}
	q.Set("float", strconv.FormatBool(float))
	target := s.baseURL + "/calc?" + q.Encode()

	status, raw, err := s.do(ctx, "submit", http.MethodPost, target, body, true)
	if err != nil {
		return 0, nil, err
	}
	if status != http.StatusOK {
		slog.Info("submit rejected",
			"component", "sender",
			"action", "submit_rejected",
			"status", status,
		)
		return status, nil, nil
	}

	record, err := types.DecodeRecord(raw)
	if err != nil {
		slog.Error("submit response malformed",
			"component", "sender",
			"action", "decode_failed",
			"error", err,
		)
		return status, nil, err
	}

	slog.Info("submit accepted",
		"component", "sender",
		"action", "submit_accepted",
		"record_id", record.ID,
	)
	return status, record, nil
}

// do performs one exchange on a dedicated transport. The body is read only
// when readBody is set.
func (s *Sender) do(ctx context.Context, op, method, target string, body []byte, readBody bool) (int, []byte, error) {
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   s.timeout,
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, &TransportError{Op: op, URL: target, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, ulid.Make().String())

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("request failed",
			"component", "sender",
			"action", op+"_transport_failed",
			"error", err,
		)
		return 0, nil, &TransportError{Op: op, URL: target, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close response body",
				"component", "sender",
				"action", "close_failed",
				"error", err,
			)
		}
	}()

	if !readBody || resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{Op: op, URL: target, StatusCode: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, raw, nil
}
