package remotecal

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

	"github.com/calmirror/calmirror/internal/calsync"
)

// expiryMargin keeps a cached token from being handed out moments before the
// service would reject it.
const expiryMargin = 2 * time.Minute

type TokenSourceOptions struct {
	TokenURL     string
	ClientID     string
	RefreshToken string
	Scope        string
	HTTPClient   *http.Client
	Clock        func() time.Time
}

// RefreshTokenSource exchanges a long-lived refresh token for short-lived
// access tokens and caches them until shortly before expiry.
type RefreshTokenSource struct {
	tokenURL     string
	clientID     string
	refreshToken string
	scope        string
	httpClient   *http.Client
	clock        func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewRefreshTokenSource(opts TokenSourceOptions) *RefreshTokenSource {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RefreshTokenSource{
		tokenURL:     strings.TrimSpace(opts.TokenURL),
		clientID:     strings.TrimSpace(opts.ClientID),
		refreshToken: strings.TrimSpace(opts.RefreshToken),
		scope:        strings.TrimSpace(opts.Scope),
		httpClient:   httpClient,
		clock:        clock,
	}
}

// Token returns a valid access token, refreshing when the cached one is
// expired or missing.
func (s *RefreshTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.clock().Add(expiryMargin).Before(s.expires) {
		return s.token, nil
	}
	if s.refreshToken == "" {
		return "", calsync.ErrNotAuthenticated
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", s.refreshToken)
	form.Set("client_id", s.clientID)
	if s.scope != "" {
		form.Set("scope", s.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("%w: token refresh rejected: %s", calsync.ErrNotAuthenticated, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("token refresh failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("%w: token response carried no access token", calsync.ErrNotAuthenticated)
	}

	s.token = payload.AccessToken
	s.expires = s.clock().Add(time.Duration(payload.ExpiresIn) * time.Second)
	// Some providers rotate the refresh token on every exchange.
	if payload.RefreshToken != "" {
		s.refreshToken = payload.RefreshToken
	}
	return s.token, nil
}
