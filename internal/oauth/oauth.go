// Package oauth obtains and caches a bearer access token via the OAuth2
// client-credentials flow. Tokens are cached on disk with their absolute
// expiry so restarts reuse a still-valid token instead of hitting the
// token endpoint again.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/operion/sentinel-agent/internal/config"
)

const (
	// expirySafetyMargin is subtracted from the server-declared token
	// lifetime so the agent refreshes before the token actually lapses.
	expirySafetyMargin = 60 * time.Second

	requestTimeout = 30 * time.Second
)

// Token is the on-disk cached credential.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"`
	Scope       string `json:"scope,omitempty"`
}

// tokenResponse is the token endpoint's answer to a client-credentials
// request.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// TokenRequestError indicates the token endpoint returned a non-2xx status.
type TokenRequestError struct {
	Status int
	Body   string
}

func (e *TokenRequestError) Error() string {
	return fmt.Sprintf("token request failed with status %d: %s", e.Status, e.Body)
}

// Manager requests and caches access tokens for one OAuth client. The
// mutex serializes the check-cache-then-request-and-write sequence so
// concurrent callers make at most one token request per validity window.
type Manager struct {
	client        *http.Client
	clientID      string
	clientSecret  string
	tokenEndpoint string
	scope         string
	cachePath     string
	logger        *zap.Logger
	now           func() time.Time
	mu            sync.Mutex
}

// NewManager creates a Manager from the OAuth configuration block. The
// token cache lives under the user cache directory.
func NewManager(cfg *config.OAuthConfig, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("oauth not configured")
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("determining cache directory: %w", err)
	}
	cachePath := filepath.Join(cacheDir, "operion", "sentinel-agent", "oauth_token.json")

	return &Manager{
		client:        &http.Client{Timeout: requestTimeout},
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		tokenEndpoint: cfg.TokenEndpoint,
		scope:         cfg.Scope,
		cachePath:     cachePath,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// GetAccessToken returns a valid bearer token, from the cache when fresh,
// otherwise from a fresh client-credentials request. A cache write failure
// surfaces to the caller — an unusable cache must not silently mask an
// auth problem.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, err := m.loadCached(); err == nil && !m.expired(token) {
		return token.AccessToken, nil
	}

	resp, err := m.requestToken(ctx)
	if err != nil {
		return "", err
	}

	token := Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		ExpiresAt:   m.now().Unix() + resp.ExpiresIn - int64(expirySafetyMargin.Seconds()),
		Scope:       resp.Scope,
	}
	if err := m.cacheToken(token); err != nil {
		return "", fmt.Errorf("caching token: %w", err)
	}

	m.logger.Debug("Obtained new access token",
		zap.Int64("expires_at", token.ExpiresAt))
	return token.AccessToken, nil
}

// ClearCache removes the cached token file. Missing file is not an error.
func (m *Manager) ClearCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.cachePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token cache: %w", err)
	}
	return nil
}

func (m *Manager) requestToken(ctx context.Context) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	if m.scope != "" {
		form.Set("scope", m.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "OperionSentinelAgent/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "unable to read response body"
		if readErr == nil {
			msg = string(body)
		}
		return nil, &TokenRequestError{Status: resp.StatusCode, Body: msg}
	}
	if readErr != nil {
		return nil, fmt.Errorf("reading token response: %w", readErr)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	return &tokenResp, nil
}

func (m *Manager) loadCached() (*Token, error) {
	data, err := os.ReadFile(m.cachePath)
	if err != nil {
		return nil, err
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (m *Manager) cacheToken(token Token) error {
	if err := os.MkdirAll(filepath.Dir(m.cachePath), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.cachePath, data, 0600); err != nil {
		return err
	}
	// WriteFile does not change the mode of an existing file
	return os.Chmod(m.cachePath, 0600)
}

func (m *Manager) expired(token *Token) bool {
	return m.now().Unix() >= token.ExpiresAt
}
