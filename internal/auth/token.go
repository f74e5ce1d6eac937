// Package auth obtains and caches bearer tokens for the contract API using
// the OAuth2 client-credentials exchange.
package auth

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

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AuthError reports a failed credential exchange. It is fatal for a run.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("auth: token endpoint returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Credentials configures the token exchange.
type Credentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// DefaultTTL applies when the server omits expires_in.
	DefaultTTL time.Duration

	// Margin is subtracted from every lifetime so a token never expires
	// mid-request.
	Margin time.Duration
}

// Option configures a TokenSource.
type Option func(*TokenSource)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *TokenSource) {
		s.http = hc
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *TokenSource) {
		s.now = now
	}
}

// refreshTimeout bounds one token exchange independently of any caller.
const refreshTimeout = 30 * time.Second

type credential struct {
	token     string
	expiresAt time.Time
}

// TokenSource caches one bearer token and refreshes it on expiry. It is safe
// for concurrent use; concurrent refreshes collapse into one request.
type TokenSource struct {
	creds Credentials
	http  *http.Client
	now   func() time.Time

	mu      sync.RWMutex
	current credential

	flight singleflight.Group
}

// NewTokenSource creates a TokenSource for the given credentials.
func NewTokenSource(creds Credentials, opts ...Option) *TokenSource {
	if creds.DefaultTTL <= 0 {
		creds.DefaultTTL = time.Hour
	}
	if creds.Margin < 0 {
		creds.Margin = 0
	}
	s := &TokenSource{
		creds: creds,
		http:  &http.Client{Timeout: 15 * time.Second},
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Token returns a valid bearer token, refreshing it if needed. Callers that
// arrive during a refresh wait for it instead of starting their own; a
// caller's ctx only bounds its own wait, never the shared refresh.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	ch := s.flight.DoChan("token", func() (any, error) {
		if tok, ok := s.cached(); ok {
			return tok, nil
		}
		return s.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", eris.Wrap(ctx.Err(), "auth: wait for token")
	}
}

// Invalidate drops the cached token if it is still the given one, e.g.
// after the API rejected it with 401.
func (s *TokenSource) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.token == token {
		s.current = credential{}
	}
}

// ExpiresAt returns the expiry of the cached token, or zero if none.
func (s *TokenSource) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.expiresAt
}

func (s *TokenSource) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.token == "" || !s.now().Before(s.current.expiresAt) {
		return "", false
	}
	return s.current.token, true
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	if s.creds.TokenURL == "" {
		return "", &AuthError{Err: eris.New("token url is not configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Err: eris.Wrap(err, "create token request")}
	}
	req.SetBasicAuth(s.creds.ClientID, s.creds.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issued := s.now()
	resp, err := s.http.Do(req)
	if err != nil {
		return "", &AuthError{Err: eris.Wrap(err, "send token request")}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: eris.Wrap(err, "read token response")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: eris.New(truncate(string(body), 200))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: eris.Wrap(err, "decode token response")}
	}
	if tr.AccessToken == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: eris.New("response has no access_token")}
	}

	ttl := s.creds.DefaultTTL
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	lifetime := ttl - s.creds.Margin
	if lifetime <= 0 {
		lifetime = ttl / 2
	}

	s.mu.Lock()
	s.current = credential{token: tr.AccessToken, expiresAt: issued.Add(lifetime)}
	s.mu.Unlock()

	zap.L().Debug("auth: token refreshed",
		zap.Duration("lifetime", lifetime),
		zap.String("token_type", tr.TokenType),
	)
	return tr.AccessToken, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
