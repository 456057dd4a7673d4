package resilience

import (
	"time"
)

// FromRetryConfig builds the per-call-site retry budget from config values.
func FromRetryConfig(maxAttempts int, backoff time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if backoff >= 0 {
		cfg.InitialBackoff = backoff
		cfg.MaxBackoff = max(cfg.MaxBackoff, backoff)
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold int, resetTimeout time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg
}
