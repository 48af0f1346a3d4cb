package cloud

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

	"github.com/sbma44/treelemetry/errors"
)

// refreshMargin is how long before expiry a token is treated as stale
const refreshMargin = 5 * time.Minute

// defaultTokenLifetime is assumed when the service omits expires_in
const defaultTokenLifetime = 7200 * time.Second

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
}

// tokenManager fetches and caches OAuth2 client-credentials tokens
// for the cloud sensor service. Safe for concurrent use.
type tokenManager struct {
	tokenURL  string
	uaid      string
	secretKey string
	client    *http.Client
	now       func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(tokenURL, uaid, secretKey string, client *http.Client) *tokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &tokenManager{
		tokenURL:  tokenURL,
		uaid:      uaid,
		secretKey: secretKey,
		client:    client,
		now:       time.Now,
	}
}

// Token returns a valid access token, refreshing when the cached one
// is missing or within the refresh margin of expiry.
func (m *tokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.now().Before(m.expiresAt.Add(-refreshMargin)) {
		return m.token, nil
	}
	if err := m.fetchLocked(ctx); err != nil {
		return "", err
	}
	return m.token, nil
}

// Invalidate discards the cached token so the next Token call fetches
// a fresh one. Used when the MQTT broker rejects the credential.
func (m *tokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expiresAt = time.Time{}
}

func (m *tokenManager) fetchLocked(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {m.uaid},
		"client_secret": {m.secretKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.WrapFatal(err, componentName, "fetchToken", "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, componentName, "fetchToken", "request token")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.WrapTransient(err, componentName, "fetchToken", "read token response")
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return errors.WrapTransient(err, componentName, "fetchToken", "parse token response")
	}

	if parsed.AccessToken == "" {
		detail := parsed.ErrorDescription
		if detail == "" {
			detail = parsed.Msg
		}
		return errors.WrapFatal(
			fmt.Errorf("%w: %s %s", errors.ErrAuthFailed, parsed.Error, detail),
			componentName, "fetchToken", "authenticate")
	}

	lifetime := defaultTokenLifetime
	if parsed.ExpiresIn > 0 {
		lifetime = time.Duration(parsed.ExpiresIn) * time.Second
	}

	m.token = parsed.AccessToken
	m.expiresAt = m.now().Add(lifetime)
	return nil
}
