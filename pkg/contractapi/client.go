// Package contractapi is a JSON client for the contract-management API with
// bearer authentication, retries of transient server errors, optional
// throttling and per-host circuit breaking.
package contractapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/contract-toolkit/internal/resilience"
)

// TokenProvider supplies bearer tokens. *auth.TokenSource implements it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// Response is a decoded API answer. NoContent is set for 204 responses and
// is distinct from an empty object or array in Body.
type Response struct {
	StatusCode int
	NoContent  bool
	// Body holds decoded JSON; numbers are json.Number so identifiers survive
	// a fetch-then-PUT round trip unchanged.
	Body any
}

// Empty reports whether the response carries no usable data: 204, null, an
// empty array or an empty object.
func (r *Response) Empty() bool {
	if r == nil || r.NoContent {
		return true
	}
	switch v := r.Body.(type) {
	case nil:
		return true
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	case string:
		return strings.TrimSpace(v) == ""
	default:
		return false
	}
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithRateLimit throttles requests to rps per second. Zero disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = NewAdaptiveLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithBreakers routes every request through a per-host circuit breaker.
func WithBreakers(hb *resilience.HostBreakers) Option {
	return func(c *Client) {
		c.breakers = hb
	}
}

// Client calls the contract API. It is safe for concurrent use; the
// underlying transport pools connections across workers.
type Client struct {
	tokens   TokenProvider
	http     *http.Client
	policy   resilience.Policy
	limiter  *AdaptiveLimiter
	breakers *resilience.HostBreakers
}

// NewClient creates a Client that authenticates with tokens.
func NewClient(tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		tokens: tokens,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				MaxConnsPerHost:     64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		policy: resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get fetches url.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil)
}

// Put sends body as the full JSON representation of the resource at url.
func (c *Client) Put(ctx context.Context, url string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPut, url, body)
}

// errUnauthorized is returned by one attempt when the API rejects the token.
type errUnauthorized struct {
	token string
	inner *statusError
}

func (e *errUnauthorized) Error() string { return e.inner.Error() }

// Do performs one logical call with retries. Every failure is a
// *RequestFailed.
func (c *Client) Do(ctx context.Context, method, rawURL string, body any) (*Response, error) {
	method = strings.ToUpper(method)
	if method != http.MethodGet && method != http.MethodPut {
		return nil, &RequestFailed{Method: method, URL: rawURL, Cause: eris.Errorf("method %s not supported", method)}
	}

	var payload []byte
	if method == http.MethodPut {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &RequestFailed{Method: method, URL: rawURL, Cause: eris.Wrap(err, "marshal payload")}
		}
		payload = b
	}

	attempts := 0
	resp, err := c.withRetry(ctx, method, rawURL, payload, &attempts)

	var unauth *errUnauthorized
	if errors.As(err, &unauth) {
		// The token was rejected before it expired locally; force one refresh.
		c.tokens.Invalidate(unauth.token)
		resp, err = c.withRetry(ctx, method, rawURL, payload, &attempts)
	}
	if err != nil {
		return nil, c.failed(method, rawURL, attempts, err)
	}
	return resp, nil
}

func (c *Client) withRetry(ctx context.Context, method, rawURL string, payload []byte, attempts *int) (*Response, error) {
	policy := c.policy
	policy.ShouldRetry = resilience.IsTransient
	policy.OnRetry = resilience.RetryLogger(method, rawURL)

	return resilience.DoVal(ctx, policy, func(ctx context.Context) (*Response, error) {
		*attempts++
		if c.breakers == nil {
			return c.attempt(ctx, method, rawURL, payload)
		}
		return resilience.ExecuteVal(ctx, c.breakers.Get(hostOf(rawURL)), func(ctx context.Context) (*Response, error) {
			return c.attempt(ctx, method, rawURL, payload)
		})
	})
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, payload []byte) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limit wait")
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "read response"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent,
		resp.StatusCode >= 200 && resp.StatusCode <= 299 && len(bytes.TrimSpace(data)) == 0:
		c.onSuccess()
		return &Response{StatusCode: resp.StatusCode, NoContent: true}, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		c.onSuccess()
		decoded, err := decodeJSON(data)
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Body: decoded}, nil
	}

	se := &statusError{code: resp.StatusCode, body: truncate(string(data), 200)}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &errUnauthorized{token: token, inner: se}
	case resp.StatusCode == http.StatusTooManyRequests:
		if c.limiter != nil {
			c.limiter.OnThrottled()
		}
		return nil, se
	case resilience.IsRetryableStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(se, resp.StatusCode)
	default:
		return nil, se
	}
}

func (c *Client) onSuccess() {
	if c.limiter != nil {
		c.limiter.OnSuccess()
	}
}

func (c *Client) failed(method, rawURL string, attempts int, err error) *RequestFailed {
	rf := &RequestFailed{Method: method, URL: rawURL, Attempts: attempts, Cause: err}
	var se *statusError
	var unauth *errUnauthorized
	switch {
	case errors.As(err, &se):
		rf.StatusCode = se.code
	case errors.As(err, &unauth):
		rf.StatusCode = unauth.inner.code
	}
	return rf
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, eris.Wrap(err, "decode response")
	}
	return v, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
