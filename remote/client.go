// Package remote speaks the minimal REST contract of the sync authority:
// per-collection incremental list with a since cursor, full list fallback,
// and create/update/delete writes. It knows nothing about merge semantics;
// the synchronization engine owns those.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Fantasy-programming/nuts-offline/document"
)

var (
	// ErrRemoteUnavailable marks network failures and server errors; the
	// caller leaves local state untouched and retries on the next cycle.
	ErrRemoteUnavailable = errors.New("remote: unavailable")
	// ErrAuthRequired marks 401/403 responses; the caller halts the cycle
	// and surfaces a re-authentication requirement instead of retrying.
	ErrAuthRequired = errors.New("remote: authentication required")
)

// TokenFunc returns a short-lived bearer credential for one request.
type TokenFunc func(ctx context.Context) (string, error)

// Client is the REST client for one remote authority.
type Client struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client with a 30 second request timeout.
func NewClient(baseURL string, token TokenFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// List fetches records changed since the given time; a zero since requests
// the full collection. The response may be a bare array or wrapped in a
// {"data": [...]} envelope.
func (c *Client) List(ctx context.Context, col document.Collection, since time.Time) ([]json.RawMessage, error) {
	u := fmt.Sprintf("%s/%s", c.BaseURL, col)
	if !since.IsZero() {
		u += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}
	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s list response: %w", col, err)
	}
	return envelope.Data, nil
}

// Create posts a new record to a collection.
func (c *Client) Create(ctx context.Context, col document.Collection, payload json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.BaseURL, col), payload)
	return err
}

// Update replaces a record by id.
func (c *Client) Update(ctx context.Context, col document.Collection, id string, payload json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/%s/%s", c.BaseURL, col, url.PathEscape(id)), payload)
	return err
}

// Delete removes a record by id.
func (c *Client) Delete(ctx context.Context, col document.Collection, id string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/%s/%s", c.BaseURL, col, url.PathEscape(id)), nil)
	return err
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// IsConflict reports whether err is a remote 409.
func IsConflict(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusConflict
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, u string, payload json.RawMessage) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthRequired, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable,
			&statusError{code: resp.StatusCode, body: string(respBody)})
	default:
		return nil, &statusError{code: resp.StatusCode, body: string(respBody)}
	}
}
