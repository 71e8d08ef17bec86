// Package session supplies the bearer token for backend calls.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jnst/lume-outbox/internal/model"
)

// StaticCredentials serves a fixed token.
type StaticCredentials struct {
	token string
}

// NewStaticCredentials creates a provider for token. An empty token means no session.
func NewStaticCredentials(token string) *StaticCredentials {
	return &StaticCredentials{token: token}
}

// Token returns the configured token.
func (c *StaticCredentials) Token(context.Context) (string, error) {
	if c.token == "" {
		return "", model.ErrNoSession
	}

	return c.token, nil
}

// expirySkew renews a token slightly before the backend would reject it.
const expirySkew = 30 * time.Second

// LoginCredentials signs in with email and password and caches the access
// token until it expires or is invalidated.
type LoginCredentials struct {
	baseURL  string
	apiKey   string
	email    string
	password string
	http     *http.Client
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewLoginCredentials creates a login-backed provider.
func NewLoginCredentials(baseURL, apiKey, email, password string, httpClient *http.Client) *LoginCredentials {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &LoginCredentials{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		email:    email,
		password: password,
		http:     httpClient,
		now:      time.Now,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	} `json:"data"`
}

// Token returns the cached token, logging in when there is none.
func (c *LoginCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && (c.expiresAt.IsZero() || c.now().Before(c.expiresAt)) {
		return c.token, nil
	}

	if c.email == "" || c.password == "" {
		return "", model.ErrNoSession
	}

	token, expiresIn, err := c.login(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.expiresAt = time.Time{}

	if expiresIn > 0 {
		c.expiresAt = c.now().Add(time.Duration(expiresIn)*time.Second - expirySkew)
	}

	return c.token, nil
}

// Invalidate drops the cached token; the next Token call logs in again.
func (c *LoginCredentials) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = ""
	c.expiresAt = time.Time{}
}

func (c *LoginCredentials) login(ctx context.Context) (string, int64, error) {
	body, err := json.Marshal(loginRequest{Email: c.email, Password: c.password})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to log in: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", 0, fmt.Errorf("%w: login rejected with status %d", model.ErrNoSession, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", 0, fmt.Errorf("login failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed loginResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", 0, fmt.Errorf("failed to decode login response: %w", err)
	}

	if parsed.Data.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: login response carried no access token", model.ErrNoSession)
	}

	return parsed.Data.AccessToken, parsed.Data.ExpiresIn, nil
}
