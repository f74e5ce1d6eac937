package contractapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contract-toolkit/internal/auth"
	"github.com/sells-group/contract-toolkit/internal/resilience"
)

type fakeTokens struct {
	mu          sync.Mutex
	current     string
	next        []string
	invalidated []string
	err         error
}

func (f *fakeTokens) Token(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.current == "" && len(f.next) > 0 {
		f.current, f.next = f.next[0], f.next[1:]
	}
	return f.current, nil
}

func (f *fakeTokens) Invalidate(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, token)
	if f.current == token {
		f.current = ""
	}
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     1,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *fakeTokens, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := &fakeTokens{current: "tok-1"}
	opts = append([]Option{WithHTTPClient(srv.Client()), WithRetryPolicy(fastPolicy())}, opts...)
	c := NewClient(tokens, opts...)
	return c, tokens, srv.URL + "/negociacoes/1"
}

func TestGet_DecodesArray(t *testing.T) {
	c, _, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":12345678901234567,"codigo":"100"}]`))
	})

	resp, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.Empty())

	items, ok := resp.Body.([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	rec := items[0].(map[string]any)
	// Large identifiers keep full precision.
	assert.Equal(t, json.Number("12345678901234567"), rec["id"])
}

func TestGet_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c, _, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	resp, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, map[string]any{"ok": true}, resp.Body)
}

func TestGet_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c, _, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Get(context.Background(), url)
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())

	rf, ok := AsRequestFailed(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, rf.StatusCode)
	assert.Equal(t, 4, rf.Attempts)
	assert.Equal(t, http.MethodGet, rf.Method)
}

func TestGet_ClientErrorNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusTooManyRequests} {
		var calls atomic.Int32
		c, _, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(code)
		})

		_, err := c.Get(context.Background(), url)
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load(), "status %d", code)

		rf, ok := AsRequestFailed(err)
		require.True(t, ok)
		assert.Equal(t, code, rf.StatusCode)
	}
}

func TestGet_NoContent(t *testing.T) {
	c, _, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.True(t, resp.NoContent)
	assert.True(t, resp.Empty())
	assert.Nil(t, resp.Body)
}

func TestPut_EmptySuccessBodyIsNoContent(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusCreated, http.StatusAccepted} {
		var calls atomic.Int32
		c, _, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(code)
			if code == http.StatusAccepted {
				_, _ = w.Write([]byte(" \n"))
			}
		})

		resp, err := c.Put(context.Background(), url, map[string]any{"id": 1})
		require.NoError(t, err, "status %d", code)
		assert.Equal(t, code, resp.StatusCode)
		assert.True(t, resp.NoContent)
		assert.True(t, resp.Empty())
		assert.Equal(t, int32(1), calls.Load())
	}
}

func TestGet_MalformedJSON(t *testing.T) {
	var calls atomic.Int32
	c, _, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{not json`))
	})

	_, err := c.Get(context.Background(), url)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	_, ok := AsRequestFailed(err)
	assert.True(t, ok)
}

func TestPut_SendsJSONBody(t *testing.T) {
	c, _, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"id":7,"nome":"x","valor":null}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	})

	payload := map[string]any{"id": json.Number("7"), "nome": "x", "valor": nil}
	resp, err := c.Put(context.Background(), url, payload)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDo_UnsupportedMethod(t *testing.T) {
	c := NewClient(&fakeTokens{current: "t"})
	_, err := c.Do(context.Background(), http.MethodDelete, "http://localhost/x", nil)
	require.Error(t, err)
	rf, ok := AsRequestFailed(err)
	require.True(t, ok)
	assert.Equal(t, 0, rf.Attempts)
}

func TestDo_UnauthorizedRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	c, tokens, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	tokens.next = []string{"tok-2"}

	_, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"tok-1"}, tokens.invalidated)
}

func TestDo_UnauthorizedTwiceFails(t *testing.T) {
	var calls atomic.Int32
	c, tokens, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	tokens.next = []string{"tok-2"}

	_, err := c.Get(context.Background(), url)
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	rf, ok := AsRequestFailed(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, rf.StatusCode)
}

func TestDo_TokenFailureSurfacesAuthError(t *testing.T) {
	var calls atomic.Int32
	c, tokens, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	tokens.err = &auth.AuthError{StatusCode: http.StatusUnauthorized, Err: errors.New("invalid_client")}

	_, err := c.Get(context.Background(), url)
	require.Error(t, err)
	var authErr *auth.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	rf, ok := AsRequestFailed(err)
	require.True(t, ok)
	assert.Equal(t, 1, rf.Attempts)
	assert.Zero(t, calls.Load())
}

func TestDo_BreakerOpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	hb := resilience.NewHostBreakers(resilience.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		ShouldTrip:       resilience.IsTransient,
	})
	c, _, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithBreakers(hb))

	_, err := c.Get(context.Background(), url)
	require.Error(t, err)
	// Two failures open the circuit; the remaining attempts are rejected locally.
	assert.Equal(t, int32(2), calls.Load())
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestDo_RateLimitedClientStillSucceeds(t *testing.T) {
	c, _, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}, WithRateLimit(1000, 10))

	resp, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.True(t, resp.Empty())
	require.NotNil(t, c.limiter)
}

func TestDo_ContextCancelled(t *testing.T) {
	c, _, url := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, url)
	require.Error(t, err)
	rf, ok := AsRequestFailed(err)
	require.True(t, ok)
	assert.Equal(t, 1, rf.Attempts)
}

func TestResponse_Empty(t *testing.T) {
	var nilResp *Response
	assert.True(t, nilResp.Empty())
	assert.True(t, (&Response{Body: map[string]any{}}).Empty())
	assert.True(t, (&Response{Body: []any{}}).Empty())
	assert.True(t, (&Response{Body: "  "}).Empty())
	assert.False(t, (&Response{Body: json.Number("0")}).Empty())
	assert.False(t, (&Response{Body: map[string]any{"a": 1}}).Empty())
}
