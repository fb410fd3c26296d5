// Package remote is the station's HTTP client for the laundry service API.
// It owns bearer-token injection and the online/offline signal derived from
// the outcome of the most recent call.
package remote

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
	"sync"
	"time"
)

// ErrOffline wraps network-level failures (connect errors, DNS failures,
// timeouts). A reachable server rejecting a request is NOT offline.
var ErrOffline = errors.New("server unreachable")

// StatusError is a non-2xx response from a reachable server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// IsOffline reports whether err indicates the server was unreachable.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

// Logger interface for client operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type nopLogger struct{}

func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// Client talks to the remote laundry service API with a fixed request
// timeout and a stored bearer token.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	logger     Logger

	mu     sync.RWMutex
	token  string
	online bool
}

// NewClient creates a client for the given base URL. The token may be empty
// until Initialize provides one.
func NewClient(baseURL, token string, logger Logger) *Client {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Client{
		BaseURL: baseURL,
		token:   token,
		logger:  logger,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetToken updates the authentication token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token retrieves the current authentication token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Online reports whether the most recent network call reached the server.
// It is never probed independently.
func (c *Client) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

// Do performs an HTTP request against endpoint (a path under BaseURL) and
// returns the raw response body.
//
// Outcome taxonomy: any 2xx marks the client online and returns the body; a
// network-level failure marks it offline and returns an error wrapping
// ErrOffline; a non-2xx status returns a *StatusError and leaves the online
// flag untouched (the server is reachable, the request was rejected).
func (c *Client) Do(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	requestURL := c.BaseURL + endpoint

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "LinenTrack-Station/1.0")
	if token := c.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("HTTP request", "method", method, "url", requestURL)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		c.setOnline(false)
		c.logger.Debug("HTTP request failed", "method", method, "url", requestURL, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer httpResp.Body.Close()

	respData, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.setOnline(false)
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrOffline, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		c.logger.Warn("Server rejected request",
			"method", method, "url", requestURL, "status", httpResp.StatusCode)
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: string(respData)}
	}

	c.setOnline(true)
	return respData, nil
}

// Tenant and item type records are passed through as raw maps: field-name
// normalization belongs to the storage ingestion boundary, not here.

// FetchTenants retrieves all tenant records in one call.
func (c *Client) FetchTenants(ctx context.Context) ([]map[string]interface{}, error) {
	data, err := c.Do(ctx, http.MethodGet, "/settings/tenants", nil)
	if err != nil {
		return nil, err
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode tenants: %w", err)
	}
	return records, nil
}

// FetchItemTypes retrieves all item type records in one call.
func (c *Client) FetchItemTypes(ctx context.Context) ([]map[string]interface{}, error) {
	data, err := c.Do(ctx, http.MethodGet, "/settings/item-types", nil)
	if err != nil {
		return nil, err
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode item types: %w", err)
	}
	return records, nil
}

// Pagination is the server's page metadata for item listings.
type Pagination struct {
	TotalPages int `json:"totalPages"`
	Total      int `json:"total"`
}

// ItemsPage is one page of an item listing.
type ItemsPage struct {
	Data       []map[string]interface{} `json:"data"`
	Pagination Pagination               `json:"pagination"`
}

// FetchItemsPage retrieves one page of items. An empty updatedSince fetches
// unconditionally; otherwise the server filters to items updated since the
// given instant.
func (c *Client) FetchItemsPage(ctx context.Context, page, limit int, updatedSince time.Time) (*ItemsPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	if !updatedSince.IsZero() {
		query.Set("updatedSince", updatedSince.UTC().Format(time.RFC3339))
	}

	data, err := c.Do(ctx, http.MethodGet, "/items?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var result ItemsPage
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode items page: %w", err)
	}
	return &result, nil
}

// MarkItemsClean reports the given items as clean.
func (c *Client) MarkItemsClean(ctx context.Context, itemIDs []string) error {
	_, err := c.Do(ctx, http.MethodPost, "/items/mark-clean", map[string]interface{}{
		"itemIds": itemIDs,
	})
	return err
}
