package viva

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

	"golang.org/x/sync/singleflight"
)

const (
	// expiryMargin is how long before the real expiry a cached token is
	// considered stale and refreshed.
	expiryMargin = 5 * time.Minute

	// defaultExpiresIn is assumed when the token response omits expires_in.
	defaultExpiresIn = 3600 * time.Second

	tokenTimeout = 15 * time.Second
)

// TokenCache obtains and caches OAuth2 bearer tokens for the gateway using
// the client-credentials grant. Concurrent callers that find the cache stale
// share a single in-flight token request.
type TokenCache struct {
	env          Environment
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

// NewTokenCache creates a token cache for the given credentials.
func NewTokenCache(env Environment, clientID, clientSecret string) *TokenCache {
	return &TokenCache{
		env:          env,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: tokenTimeout},
		now:          time.Now,
	}
}

// GetToken returns a valid bearer token, refreshing it if the cached one is
// absent or within the expiry margin. Returns *AuthError when the
// authorization endpoint rejects the credentials or is unreachable.
func (c *TokenCache) GetToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.expiresAt.After(c.now().Add(expiryMargin)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		// Another caller may have refreshed while we waited on the group.
		c.mu.Lock()
		if c.token != "" && c.expiresAt.After(c.now().Add(expiryMargin)) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()

		token, expiresIn, err := c.requestToken(ctx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.token = token
		c.expiresAt = c.now().Add(expiresIn)
		c.mu.Unlock()

		return token, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// ClearToken discards the cached token and any in-flight refresh marker.
// The next GetToken call performs a fresh request. Call it when credentials
// change or after an authentication failure.
func (c *TokenCache) ClearToken() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
	c.group.Forget("token")
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (c *TokenCache) requestToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	endpoint := c.env.AccountsURL() + "/connect/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, &AuthError{Reason: "building token request", Err: err}
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &AuthError{Reason: "authorization endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &AuthError{Status: resp.StatusCode, Reason: "reading token response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, &AuthError{
			Status: resp.StatusCode,
			Reason: fmt.Sprintf("token request rejected: %s", strings.TrimSpace(string(body))),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, &AuthError{Status: resp.StatusCode, Reason: "malformed token response", Err: err}
	}
	if tr.AccessToken == "" {
		return "", 0, &AuthError{Status: resp.StatusCode, Reason: "token response missing access_token"}
	}

	expiresIn := defaultExpiresIn
	if tr.ExpiresIn > 0 {
		expiresIn = time.Duration(tr.ExpiresIn) * time.Second
	}

	return tr.AccessToken, expiresIn, nil
}
