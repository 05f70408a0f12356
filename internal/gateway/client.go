// Package gateway reconciles the local store with the authoritative REST
// backend: the initial bulk load and one confirmation call per mutation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dimas4dev/talkiplay/internal/credential"
	"github.com/dimas4dev/talkiplay/internal/notification"
)

const DefaultNotificationsPath = "/api/v1/admin/notifications"

// HTTPError is a non-2xx response, or a 2xx response whose envelope reports
// success=false.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ConfirmationError reports that the backend did not accept a mutation.
type ConfirmationError struct {
	Op  string
	ID  string
	Err error
}

func (e *ConfirmationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("confirm %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("confirm %s: %v", e.Op, e.Err)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

// IsConfirmationFailure reports whether err came from a rejected or
// unreachable confirmation call.
func IsConfirmationFailure(err error) bool {
	var ce *ConfirmationError
	return errors.As(err, &ce)
}

// Envelope is the response body shared by every endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Errors  []string        `json:"errors,omitempty"`
}

var _ notification.Confirmer = (*Client)(nil)

type Client struct {
	baseURL    string
	basePath   string
	creds      credential.Provider
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, basePath string, creds credential.Provider, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	basePath = "/" + strings.Trim(strings.TrimSpace(basePath), "/")
	if basePath == "/" {
		basePath = DefaultNotificationsPath
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		basePath:   basePath,
		creds:      creds,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// LoadAll fetches the authoritative list. Transient failures (network,
// 429, 5xx) are retried with backoff.
func (c *Client) LoadAll(ctx context.Context) ([]notification.Notification, error) {
	var items []notification.Notification
	if err := c.doJSON(ctx, http.MethodGet, c.basePath, nil, &items, true); err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	return items, nil
}

// Stats fetches the backend's counters.
func (c *Client) Stats(ctx context.Context) (notification.Stats, error) {
	var st notification.Stats
	if err := c.doJSON(ctx, http.MethodGet, c.basePath+"/stats", nil, &st, true); err != nil {
		return notification.Stats{}, fmt.Errorf("load stats: %w", err)
	}
	return st, nil
}

func (c *Client) ConfirmRead(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodPut, c.itemPath(id)+"/read", nil, nil, false); err != nil {
		return &ConfirmationError{Op: "read", ID: id, Err: err}
	}
	return nil
}

func (c *Client) ConfirmReadAll(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPut, c.basePath+"/mark-all-read", nil, nil, false); err != nil {
		return &ConfirmationError{Op: "read_all", Err: err}
	}
	return nil
}

func (c *Client) ConfirmDelete(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.itemPath(id), nil, nil, false); err != nil {
		return &ConfirmationError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

func (c *Client) itemPath(id string) string {
	return c.basePath + "/" + url.PathEscape(id)
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
	retryable bool,
) error {
	token, err := c.creds.AccessToken()
	if err != nil {
		return err
	}
	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := 0
	if retryable {
		maxRetries = c.maxRetries
	}
	// Retry-After from the latest throttled response overrides the next
	// exponential step.
	var hint time.Duration
	return retry.Do(ctx, c.backoff(maxRetries, &hint), func(ctx context.Context) error {
		hint = 0
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return decodeEnvelope(resp.StatusCode, payload, out)
		}

		var env Envelope
		_ = json.Unmarshal(payload, &env)
		message := env.Message
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: env.Code, Message: message}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			hint = retryAfter(resp.Header.Get("Retry-After"))
			return retry.RetryableError(httpErr)
		}
		return httpErr
	})
}

// backoff doubles from baseDelay up to maxDelay for at most maxRetries
// retries. A positive *hint replaces the computed step, still capped.
func (c *Client) backoff(maxRetries int, hint *time.Duration) retry.Backoff {
	capped := retry.WithCappedDuration(c.maxDelay, retry.NewExponential(c.baseDelay))
	b := retry.WithMaxRetries(uint64(maxRetries), capped)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := b.Next()
		if !stop && *hint > 0 {
			delay = min(*hint, c.maxDelay)
		}
		return delay, stop
	})
}

func decodeEnvelope(status int, payload []byte, out any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode response envelope: %w", err)
	}
	if !env.Success {
		message := env.Message
		if message == "" && len(env.Errors) > 0 {
			message = strings.Join(env.Errors, "; ")
		}
		return &HTTPError{StatusCode: status, Code: env.Code, Message: message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func correlationID() string {
	return fmt.Sprintf("notify_%d", time.Now().UnixNano())
}

// retryAfter reads a Retry-After value in seconds or as an HTTP date.
func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
