package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	HTTPTimeout = 30 * time.Second
	MaxRetries  = 3
	BaseBackoff = 100 * time.Millisecond
)

// APIError carries the HTTP status code from a REST API response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// RequestOption mutates an outgoing request.
type RequestOption func(*http.Request)

// WithBearerToken sets the Authorization header when token is non-empty.
func WithBearerToken(token string) RequestOption {
	return func(r *http.Request) {
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// NewSocketHTTPClient creates an HTTP client that dials a Unix socket.
func NewSocketHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: HTTPTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// DoAPI sends an HTTP request and validates the response status code.
// url must be a fully-formed URL (e.g., "http://localhost/v1/instances/vm1/reset").
// Returns the response body on success.
func DoAPI(ctx context.Context, hc *http.Client, method, url string, body []byte, expectedStatus int, opts ...RequestOption) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != expectedStatus {
		return nil, &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s %s → %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(rb)),
		}
	}
	return rb, nil
}

// DoWithRetry retries fn with exponential backoff for transient errors.
func DoWithRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
		if i < MaxRetries {
			backoff := BaseBackoff * time.Duration(1<<i)
			if err := SleepContext(ctx, backoff); err != nil {
				return zero, err
			}
		}
	}
	return zero, lastErr
}

// IsRetryable returns true for transient errors (connection failures, 5xx, 429, 408).
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code >= 500 || ae.Code == http.StatusTooManyRequests || ae.Code == http.StatusRequestTimeout
	}
	// Non-APIError = connection-level failure, always retry.
	return true
}
