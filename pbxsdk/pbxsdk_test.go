/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package pbxsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTokenServer returns an httptest server whose /connect/token endpoint
// counts exchanges and issues sequentially numbered tokens.
func newTokenServer(t *testing.T, exchanges *int32, extra http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/connect/token" {
			if r.Method != http.MethodPost {
				t.Errorf("Expected POST to token endpoint, got %s", r.Method)
			}
			if err := r.ParseForm(); err != nil {
				t.Errorf("Unexpected form parse error: %v", err)
			}
			if got := r.PostFormValue("grant_type"); got != "client_credentials" {
				t.Errorf("Expected grant_type client_credentials, got %q", got)
			}
			n := atomic.AddInt32(exchanges, 1)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": fmt.Sprintf("token-%d", n),
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
			return
		}
		if extra != nil {
			extra(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.ClientID = "app"
	cfg.ClientSecret = "secret"
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("Unexpected error creating client: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		expectError bool
	}{
		{
			name: "Valid config",
			config: &Config{
				BaseURL:      "https://pbx.example.com",
				ClientID:     "app",
				ClientSecret: "secret",
			},
			expectError: false,
		},
		{
			name:        "Nil config",
			config:      nil,
			expectError: true,
		},
		{
			name: "Missing base URL",
			config: &Config{
				ClientID:     "app",
				ClientSecret: "secret",
			},
			expectError: true,
		},
		{
			name: "Missing credentials",
			config: &Config{
				BaseURL: "https://pbx.example.com",
			},
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(tc.config)
			if tc.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client == nil {
				t.Fatal("Expected non-nil client")
			}
		})
	}
}

func TestTokenSingleFlight(t *testing.T) {
	var exchanges int32
	server := newTokenServer(t, &exchanges, nil)
	defer server.Close()

	client := newTestClient(t, server.URL)

	const callers = 20
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			tok, err := client.Token(context.Background())
			if err != nil {
				t.Errorf("Unexpected token error: %v", err)
				return
			}
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&exchanges); got != 1 {
		t.Errorf("Expected exactly 1 exchange under %d cold callers, got %d", callers, got)
	}
	for i, tok := range tokens {
		if tok != tokens[0] {
			t.Errorf("Caller %d observed token %q, expected %q", i, tok, tokens[0])
		}
	}
}

func TestTokenCachedUntilSkew(t *testing.T) {
	var exchanges int32
	server := newTokenServer(t, &exchanges, nil)
	defer server.Close()

	client := newTestClient(t, server.URL)

	first, err := client.Token(context.Background())
	if err != nil {
		t.Fatalf("Unexpected token error: %v", err)
	}
	second, err := client.Token(context.Background())
	if err != nil {
		t.Fatalf("Unexpected token error: %v", err)
	}
	if first != second {
		t.Errorf("Expected cached token %q, got %q", first, second)
	}
	if got := atomic.LoadInt32(&exchanges); got != 1 {
		t.Errorf("Expected 1 exchange, got %d", got)
	}
}

func TestTokenRefreshWhenExpiring(t *testing.T) {
	var exchanges int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		w.Header().Set("Content-Type", "application/json")
		// Lifetime below the skew forces a refresh on every call.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": fmt.Sprintf("token-%d", atomic.LoadInt32(&exchanges)),
			"token_type":   "Bearer",
			"expires_in":   1,
		})
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.ClientID = "app"
	cfg.ClientSecret = "secret"
	cfg.TokenSkew = 30 * time.Second
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("Unexpected error creating client: %v", err)
	}

	if _, err := client.Token(context.Background()); err != nil {
		t.Fatalf("Unexpected token error: %v", err)
	}
	if _, err := client.Token(context.Background()); err != nil {
		t.Fatalf("Unexpected token error: %v", err)
	}
	if got := atomic.LoadInt32(&exchanges); got != 2 {
		t.Errorf("Expected 2 exchanges for a token inside the skew, got %d", got)
	}
}

func TestDoRetriesOnceOnUnauthorized(t *testing.T) {
	var exchanges, unauthorized int32
	server := newTokenServer(t, &exchanges, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callcontrol" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// First token is stale; only token-2 is accepted.
		if r.Header.Get("Authorization") != "Bearer token-2" {
			atomic.AddInt32(&unauthorized, 1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.Do(context.Background(), http.MethodGet, "/callcontrol", nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := ParseResponse(resp, nil); err != nil {
		t.Fatalf("Unexpected parse error: %v", err)
	}
	if got := atomic.LoadInt32(&unauthorized); got != 1 {
		t.Errorf("Expected 1 unauthorized response before retry, got %d", got)
	}
	if got := atomic.LoadInt32(&exchanges); got != 2 {
		t.Errorf("Expected 2 exchanges (initial + refresh), got %d", got)
	}
}

func TestDoSecondUnauthorizedIsFatal(t *testing.T) {
	var exchanges int32
	server := newTokenServer(t, &exchanges, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"token revoked"}`))
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.Do(context.Background(), http.MethodGet, "/callcontrol", nil, nil)
	if err == nil {
		t.Fatal("Expected error after second unauthorized response")
	}
	if !IsAuthError(err) {
		t.Errorf("Expected *AuthError, got %T: %v", err, err)
	}
	if got := atomic.LoadInt32(&exchanges); got != 2 {
		t.Errorf("Expected exactly 2 exchanges (one retry), got %d", got)
	}
}

func TestParseResponseErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"Bad request", http.StatusBadRequest, IsBadRequest},
		{"Forbidden", http.StatusForbidden, IsForbidden},
		{"Not found", http.StatusNotFound, IsNotFound},
		{"Rate limited", http.StatusTooManyRequests, IsRateLimited},
		{"Vendor rejection", http.StatusConflict, IsUpstreamRejection},
		{"Unprocessable", http.StatusUnprocessableEntity, IsUpstreamRejection},
		{"Server error", http.StatusInternalServerError, IsServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tc.status,
				Status:     http.StatusText(tc.status),
				Header:     http.Header{},
			}
			err := NewAPIError(resp, []byte(`{"message":"nope","reason":"TEST_REASON"}`))
			if !tc.check(err) {
				t.Errorf("Status %d mapped to wrong error type %T", tc.status, err)
			}
			if got := VendorReason(err); got != "TEST_REASON" {
				t.Errorf("Expected vendor reason TEST_REASON, got %q", got)
			}
		})
	}
}

func TestVendorReasonFallbacks(t *testing.T) {
	t.Run("falls back to message", func(t *testing.T) {
		resp := &http.Response{StatusCode: 409, Status: "409 Conflict", Header: http.Header{}}
		err := NewAPIError(resp, []byte(`{"message":"busy here"}`))
		if got := VendorReason(err); got != "busy here" {
			t.Errorf("Expected message fallback, got %q", got)
		}
	})

	t.Run("falls back to status", func(t *testing.T) {
		resp := &http.Response{StatusCode: 409, Status: "409 Conflict", Header: http.Header{}}
		err := NewAPIError(resp, nil)
		if got := VendorReason(err); got != "409 Conflict" {
			t.Errorf("Expected status fallback, got %q", got)
		}
	})

	t.Run("plain error", func(t *testing.T) {
		if got := VendorReason(fmt.Errorf("dial tcp: refused")); got != "dial tcp: refused" {
			t.Errorf("Expected error text, got %q", got)
		}
	})
}
