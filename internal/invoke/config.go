// Package invoke runs fallible backend operations under an exponential
// backoff retry loop guarded by a circuit breaker.
//
// A [Controller] owns one breaker record and one retry log. Callers that
// want independent failure accounting (two backends, or parallel tests)
// construct independent controllers.
package invoke

import (
	"fmt"
	"math"
	"time"
)

// Config controls retries and the circuit breaker for one operation type.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero means a single attempt.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay is the delay after the first failed attempt (default: 1s).
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps every backoff delay, jitter included (default: 10s).
	MaxDelay time.Duration `yaml:"max_delay"`

	// BackoffMultiplier scales the delay per attempt (default: 2.0).
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// CircuitBreakerEnabled turns the breaker on. Failures are counted
	// either way but the breaker only opens when enabled.
	CircuitBreakerEnabled bool `yaml:"circuit_breaker_enabled"`

	// CircuitBreakerThreshold is the consecutive failure count that
	// opens the breaker (default: 5).
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerTimeout is how long the breaker stays open before a
	// probe is allowed (default: 30s).
	CircuitBreakerTimeout time.Duration `yaml:"circuit_breaker_timeout"`
}

// DefaultConfig returns 3 retries on a 1s, 2s, 4s schedule capped at 10s,
// with the breaker opening after 5 consecutive failures for 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		BaseDelay:               time.Second,
		MaxDelay:                10 * time.Second,
		BackoffMultiplier:       2.0,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// withDefaults replaces unusable zero or negative fields with defaults.
// MaxRetries=0 and CircuitBreakerEnabled=false are meaningful and kept.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = d.CircuitBreakerThreshold
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = d.CircuitBreakerTimeout
	}
	return c
}

// Validate reports settings that cannot be repaired by defaulting.
func (c Config) Validate() error {
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return fmt.Errorf("base_delay %s exceeds max_delay %s", c.BaseDelay, c.MaxDelay)
	}
	if c.BackoffMultiplier > 0 && c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier %.2f would shrink delays", c.BackoffMultiplier)
	}
	return nil
}

// Backoff returns the delay to wait after the given failed attempt
// (1-based): BaseDelay * BackoffMultiplier^(attempt-1) plus jitter,
// capped at MaxDelay. jitter receives the upper bound (10% of the
// exponential term) and returns a value in [0, bound]; nil means none.
func (c Config) Backoff(attempt int, jitter func(bound float64) float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	d := exp
	if jitter != nil {
		d += jitter(0.1 * exp)
	}
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return c.MaxDelay
	}
	return time.Duration(d)
}
