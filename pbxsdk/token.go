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
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/sync/singleflight"
)

// tokenSource caches the bearer token obtained from the client-credential
// exchange and refreshes it through a single-flight gate: under N cold
// concurrent callers exactly one exchange happens and all N observe its
// result.
type tokenSource struct {
	client *Client

	mu     sync.Mutex
	cached string
	expiry time.Time

	group singleflight.Group
}

func newTokenSource(c *Client) *tokenSource {
	return &tokenSource{client: c}
}

// token returns the cached token while its remaining lifetime exceeds the
// configured skew, otherwise performs (or joins) a credential exchange.
func (ts *tokenSource) token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.cached != "" && time.Until(ts.expiry) > ts.client.config.TokenSkew {
		tok := ts.cached
		ts.mu.Unlock()
		return tok, nil
	}
	ts.mu.Unlock()

	v, err, _ := ts.group.Do("token", func() (interface{}, error) {
		// Re-check under the gate: a concurrent caller may have
		// refreshed while we waited.
		ts.mu.Lock()
		if ts.cached != "" && time.Until(ts.expiry) > ts.client.config.TokenSkew {
			tok := ts.cached
			ts.mu.Unlock()
			return tok, nil
		}
		ts.mu.Unlock()

		tok, expiry, err := ts.exchange(ctx)
		if err != nil {
			return "", err
		}

		ts.mu.Lock()
		ts.cached = tok
		ts.expiry = expiry
		ts.mu.Unlock()

		ts.client.logger.Debug("bearer token refreshed", "expires", expiry)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidate discards the cached token if it still matches tok. The guard
// keeps a stale 401 from wiping out a token another caller just refreshed.
func (ts *tokenSource) invalidate(tok string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.cached == tok {
		ts.cached = ""
		ts.expiry = time.Time{}
	}
}

// tokenResponse is the body of a successful credential exchange.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// exchange performs the client-credential exchange against the PBX token
// endpoint and returns the bearer token with its absolute expiry.
func (ts *tokenSource) exchange(ctx context.Context) (string, time.Time, error) {
	cfg := ts.client.config

	u, err := ts.client.baseURL.Parse(cfg.TokenPath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid token path: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, NewAPIError(resp, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("error parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response contained no access token")
	}

	expiry := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if tr.ExpiresIn <= 0 {
		// Some PBX builds omit expires_in; fall back to the token's own
		// exp claim when it is a JWT, else a conservative default.
		if exp, ok := jwtExpiry(tr.AccessToken); ok {
			expiry = exp
		} else {
			expiry = time.Now().Add(10 * time.Minute)
		}
	}

	return tr.AccessToken, expiry, nil
}

// jwtExpiry extracts the exp claim from a JWT access token. The token is
// not verified here — the PBX is the issuer and sole consumer; we only
// need the expiry for cache bookkeeping.
func jwtExpiry(raw string) (time.Time, bool) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{
		jose.HS256, jose.HS384, jose.HS512,
		jose.RS256, jose.RS384, jose.RS512,
		jose.ES256, jose.ES384, jose.ES512,
	})
	if err != nil {
		return time.Time{}, false
	}

	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, false
	}
	if claims.Expiry == nil {
		return time.Time{}, false
	}
	return claims.Expiry.Time(), true
}
