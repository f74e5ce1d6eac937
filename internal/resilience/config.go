package resilience

import (
	"time"

	"github.com/sells-group/contract-toolkit/internal/config"
)

// PolicyFromConfig converts the retry section of the configuration into a
// Policy. Unset values keep their defaults.
func PolicyFromConfig(c config.RetryConfig) Policy {
	p := DefaultPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		p.JitterFraction = c.JitterFraction
	}
	return p
}

// BreakerFromConfig converts the breaker section of the configuration. Only
// transient failures count toward the threshold. The second return value is
// false when breaking is disabled.
func BreakerFromConfig(c config.BreakerConfig) (BreakerConfig, bool) {
	if c.FailureThreshold <= 0 {
		return BreakerConfig{}, false
	}
	bc := DefaultBreakerConfig()
	bc.FailureThreshold = c.FailureThreshold
	bc.ShouldTrip = IsTransient
	if c.ResetTimeoutSecs > 0 {
		bc.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return bc, true
}
