package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contract-toolkit/internal/config"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultPolicy(), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_TwoTransientFailuresAbsorbed(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(4), func(_ context.Context) error {
		calls++
		if calls <= 2 {
			return NewTransientError(errors.New("unavailable"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(4), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("always down"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDo_NonTransientNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(4), func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	p := Policy{MaxAttempts: 10, InitialBackoff: 20 * time.Millisecond}

	err := Do(ctx, p, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestDo_CustomShouldRetryAndOnRetry(t *testing.T) {
	var attempts []int
	p := fastPolicy(3)
	p.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }
	p.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	var calls int
	err := Do(context.Background(), p, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("retry me")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal_ZeroValueOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastPolicy(2), func(_ context.Context) (int, error) {
		return 42, NewTransientError(errors.New("fail"), 502)
	})
	require.Error(t, err)
	assert.Equal(t, 0, val)
}

func TestDoVal_ZeroPolicyGetsDefaults(t *testing.T) {
	val, err := DoVal(context.Background(), Policy{}, func(_ context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestBackoff_ExponentialGrowthAndCap(t *testing.T) {
	p := Policy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Multiplier:     2.0,
	}.withDefaults()
	p.JitterFraction = 0

	assert.Equal(t, 100*time.Millisecond, p.backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.backoff(2))
	assert.Equal(t, 500*time.Millisecond, p.backoff(3))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2, JitterFraction: 0.5}.withDefaults()
	for range 100 {
		d := p.backoff(0)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("delay %v outside [500ms, 1500ms]", d)
		}
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RetryConfig{
		MaxAttempts:      3,
		InitialBackoffMs: 250,
		MaxBackoffMs:     2000,
		Multiplier:       1.5,
		JitterFraction:   0,
	})
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 2*time.Second, p.MaxBackoff)
	assert.InDelta(t, 1.5, p.Multiplier, 0.001)
	assert.Zero(t, p.JitterFraction)

	d := PolicyFromConfig(config.RetryConfig{JitterFraction: -1})
	assert.Equal(t, DefaultPolicy().MaxAttempts, d.MaxAttempts)
}

func TestRetryLogger(t *testing.T) {
	// Just verify it doesn't panic.
	RetryLogger("GET", "https://api.example.com/contratos/1")(1, errors.New("boom"))
}
