package invoke

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.BaseDelay != time.Second {
		t.Errorf("BaseDelay = %v, want 1s", cfg.BaseDelay)
	}
	if cfg.MaxDelay != 10*time.Second {
		t.Errorf("MaxDelay = %v, want 10s", cfg.MaxDelay)
	}
	if cfg.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", cfg.BackoffMultiplier)
	}
	if !cfg.CircuitBreakerEnabled || cfg.CircuitBreakerThreshold != 5 || cfg.CircuitBreakerTimeout != 30*time.Second {
		t.Errorf("breaker = %v/%d/%v, want enabled/5/30s",
			cfg.CircuitBreakerEnabled, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)
	}
}

func TestConfig_Backoff(t *testing.T) {
	t.Parallel()
	cfg := Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2}

	noJitter := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for i, want := range noJitter {
		if got := cfg.Backoff(i+1, nil); got != want {
			t.Errorf("Backoff(%d, nil) = %v, want %v", i+1, got, want)
		}
	}

	maxJitter := func(bound float64) float64 { return bound }
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1100 * time.Millisecond},
		{2, 2200 * time.Millisecond},
		{4, 8800 * time.Millisecond},
		{5, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt, maxJitter); got != tt.want {
			t.Errorf("Backoff(%d, max) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := cfg.Backoff(500, nil); got != cfg.MaxDelay {
		t.Errorf("Backoff(500) = %v, want cap %v", got, cfg.MaxDelay)
	}
}

func TestConfig_BackoffJitterWithinTenPercent(t *testing.T) {
	t.Parallel()
	c := New(WithConfig(Config{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2}))
	cfg := c.ConfigFor("generate")

	for attempt := 1; attempt <= 4; attempt++ {
		base := cfg.Backoff(attempt, nil)
		for range 50 {
			got := cfg.Backoff(attempt, c.jitter)
			if got < base || got > base+base/10 {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, got, base, base+base/10)
			}
		}
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := Config{MaxRetries: -1}.withDefaults()
	want := DefaultConfig()
	want.CircuitBreakerEnabled = false
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}

	kept := Config{MaxRetries: 0}.withDefaults()
	if kept.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0 kept", kept.MaxRetries)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
	if err := (Config{BaseDelay: time.Minute, MaxDelay: time.Second}).Validate(); err == nil {
		t.Error("base_delay > max_delay should fail")
	}
	if err := (Config{BackoffMultiplier: 0.5}).Validate(); err == nil {
		t.Error("multiplier < 1 should fail")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errors.New("network is unreachable"), true},
		{"timeout", errors.New("request timeout"), true},
		{"connection", errors.New("Connection reset by peer"), true},
		{"temporary", errors.New("temporary failure in name resolution"), true},
		{"unavailable", errors.New("API error 503: service unavailable"), true},
		{"busy", errors.New("model is busy"), true},
		{"overloaded", errors.New("server overloaded"), true},
		{"rate limit", errors.New("Rate limit exceeded"), true},
		{"throttled", errors.New("request throttled"), true},
		{"other", errors.New("invalid temperature"), false},
		{"wrapped keyword", fmt.Errorf("generate: %w", errors.New("busy")), true},
		{"permanent mark", Permanent(errors.New("connection refused by policy")), false},
		{"transient mark", Transient(errors.New("weird failure")), true},
		{"wrapped mark", fmt.Errorf("outer: %w", Permanent(errors.New("busy"))), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"net timeout", timeoutErr{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMarksNil(t *testing.T) {
	t.Parallel()
	if Permanent(nil) != nil || Transient(nil) != nil {
		t.Error("marking a nil error should return nil")
	}
}

func TestBackendError_Messages(t *testing.T) {
	t.Parallel()
	transient := &BackendError{Operation: "generate", Err: errBusy, Transient: true, Attempts: 4}
	if got, want := transient.Error(), "generate failed after 4 attempt(s): model server busy"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	hard := &BackendError{Operation: "generate", Err: errors.New("bad"), Attempts: 1}
	if got, want := hard.Error(), "generate failed with non-recoverable error: bad"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
