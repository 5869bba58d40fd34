/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package pbxsdk is the HTTP core for talking to the upstream PBX
// call-control API. It owns bearer-token authentication (acquisition,
// caching, single-flighted refresh) and maps error responses to a typed
// error hierarchy.
package pbxsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for the PBX client
type Config struct {
	// BaseURL is the base URL of the PBX API (e.g. "https://pbx.example.com").
	BaseURL string

	// ClientID and ClientSecret are the client-credential pair exchanged
	// for bearer tokens at the token endpoint.
	ClientID     string
	ClientSecret string

	// TokenPath is the path of the token endpoint relative to BaseURL.
	TokenPath string

	// Timeout for API requests.
	Timeout time.Duration

	// TokenSkew is the safety margin subtracted from a token's lifetime:
	// a cached token is reused only while its remaining lifetime exceeds
	// this skew.
	TokenSkew time.Duration

	// HTTPClient is a custom HTTP client to use instead of the default one.
	// If nil, a default client will be created with the specified Timeout.
	HTTPClient *http.Client

	// Logger for client operations. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration for the PBX client
func DefaultConfig() *Config {
	return &Config{
		TokenPath: "/connect/token",
		Timeout:   30 * time.Second,
		TokenSkew: 60 * time.Second,
	}
}

// Client is the upstream PBX HTTP client. It is safe for concurrent use:
// the bearer token is shared across all callers and refreshed through a
// single-flight gate, so token refresh never blocks unrelated requests
// beyond the one exchange in flight.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     *Config
	logger     *slog.Logger
	tokens     *tokenSource
}

// NewClient creates a new PBX client from the given configuration.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, fmt.Errorf("client credentials cannot be empty")
	}

	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	if config.TokenPath == "" {
		config.TokenPath = "/connect/token"
	}
	if config.TokenSkew == 0 {
		config.TokenSkew = 60 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		config:     config,
		logger:     logger,
	}
	c.tokens = newTokenSource(c)

	return c, nil
}

// BaseURL returns the configured PBX base URL.
func (c *Client) BaseURL() *url.URL {
	return c.baseURL
}

// GetHTTPClient returns the HTTP client used for API requests
func (c *Client) GetHTTPClient() *http.Client {
	return c.httpClient
}

// Logger returns the logger used by the client.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Token returns a valid bearer token, performing a credential exchange
// if the cached token is missing or within the configured skew of expiry.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.tokens.token(ctx)
}

// InvalidateToken discards the cached token if it matches tok. Used after
// an unauthorized response so the next caller fetches a fresh token.
func (c *Client) InvalidateToken(tok string) {
	c.tokens.invalidate(tok)
}

// Do performs an authenticated JSON request against the PBX API.
// On a 401 response the cached token is invalidated and the request is
// retried exactly once with a freshly fetched token; a second 401 is
// surfaced as an *AuthError. The caller is responsible for closing the
// response body.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.doOnce(ctx, method, path, params, body, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// One transparent retry with a fresh token.
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	c.logger.Debug("unauthorized response, refreshing token", "method", method, "path", path)
	c.InvalidateToken(token)

	token, err = c.Token(ctx)
	if err != nil {
		return nil, err
	}

	retryResp, err := c.doOnce(ctx, method, path, params, body, token)
	if err != nil {
		return nil, err
	}
	if retryResp.StatusCode == http.StatusUnauthorized {
		retryBody, _ := io.ReadAll(retryResp.Body)
		retryResp.Body.Close()
		if len(retryBody) == 0 {
			retryBody = respBody
		}
		return nil, NewAPIError(retryResp, retryBody)
	}
	return retryResp, nil
}

// doOnce performs a single authenticated request.
func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, body interface{}, token string) (*http.Response, error) {
	u, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// DoRaw performs an authenticated request with an opaque (non-JSON)
// body, used for audio stream passthrough. The body may not be
// replayable, so no transparent 401 retry is attempted; an unauthorized
// response invalidates the cached token and is surfaced as an
// *AuthError.
func (c *Client) DoRaw(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	u, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.InvalidateToken(token)
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewAPIError(resp, respBody)
	}
	return resp, nil
}

// ParseResponse parses an HTTP response into the given value. Error
// responses are converted into the typed error hierarchy. Passing a nil
// value discards the body after the status check.
func ParseResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return NewAPIError(resp, body)
	}

	if v == nil {
		return nil
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
