package invoke

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nugget/localbridge/internal/events"
)

// maxRetryLog is how many failed attempts the controller keeps for
// diagnostics.
const maxRetryLog = 10

// BreakerState is a snapshot of the circuit breaker. Zero times mean
// "never" / "not scheduled".
type BreakerState struct {
	Open         bool      `json:"open"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
	NextRetry    time.Time `json:"next_retry,omitzero"`
}

// RetryAttempt records one failed attempt.
type RetryAttempt struct {
	Operation string
	Attempt   int
	Err       error
	Timestamp time.Time
}

// Option configures a [Controller].
type Option func(*Controller)

// WithConfig sets the config used for operations without an override.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.defaults = cfg.withDefaults() }
}

// WithOperationConfig overrides the config for one operation type.
func WithOperationConfig(operation string, cfg Config) Option {
	return func(c *Controller) { c.overrides[operation] = cfg.withDefaults() }
}

// WithLogger sets the logger. Uses slog.Default() if nil.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEvents publishes retry and breaker transitions to bus.
func WithEvents(bus *events.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleeper replaces the backoff sleep, for tests. The function must
// return a non-nil error if ctx ends before d elapses.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithJitter replaces the jitter source. It receives the upper bound and
// returns a value in [0, bound].
func WithJitter(jitter func(bound float64) float64) Option {
	return func(c *Controller) { c.jitter = jitter }
}

// Controller executes operations with retries and a circuit breaker.
// Breaker state and the retry log are shared by every call made through
// one Controller and are safe for concurrent use, though concurrent
// calls still interleave their failure bookkeeping.
type Controller struct {
	defaults  Config
	overrides map[string]Config
	logger    *slog.Logger
	bus       *events.Bus
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	jitter    func(bound float64) float64

	mu       sync.Mutex
	state    BreakerState
	attempts []RetryAttempt
}

// New creates a controller. With no options it uses [DefaultConfig].
func New(opts ...Option) *Controller {
	c := &Controller{
		defaults:  DefaultConfig(),
		overrides: make(map[string]Config),
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepCtx,
		jitter:    func(bound float64) float64 { return rand.Float64() * bound },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConfigFor returns the effective config for an operation type.
func (c *Controller) ConfigFor(operation string) Config {
	if cfg, ok := c.overrides[operation]; ok {
		return cfg
	}
	return c.defaults
}

// State returns a snapshot of the breaker.
func (c *Controller) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns a copy of the retry log, oldest first.
func (c *Controller) Attempts() []RetryAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RetryAttempt, len(c.attempts))
	copy(out, c.attempts)
	return out
}

// Reset closes the breaker and clears the retry log.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = BreakerState{}
	c.attempts = nil
}

// Execute runs fn until it succeeds, the attempts for this operation
// type run out, or it returns a non-recoverable error. Attempts are
// strictly sequential. While the breaker is open fn is not called and a
// [*CircuitOpenError] is returned. Other failures come back as
// [*BackendError].
//
// The controller has no deadline of its own. Cancelling ctx interrupts a
// backoff sleep and is never retried.
func (c *Controller) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	cfg := c.ConfigFor(operation)
	maxAttempts := cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.admit(operation, cfg); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			c.recordSuccess(operation)
			return nil
		}

		c.recordFailure(operation, cfg, attempt, err)

		transient := IsTransient(err)
		if !transient || attempt == maxAttempts {
			c.logger.Warn("backend operation failed",
				"operation", operation,
				"attempts", attempt,
				"transient", transient,
				"error", err,
			)
			return &BackendError{Operation: operation, Err: err, Transient: transient, Attempts: attempt}
		}

		delay := cfg.Backoff(attempt, c.jitter)
		c.logger.Debug("backend attempt failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"next_delay", delay.String(),
			"error", err,
		)
		c.bus.Emit(events.SourceInvoke, events.KindRetry, map[string]any{
			"operation": operation,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
			"error":     err.Error(),
		})

		if serr := c.sleep(ctx, delay); serr != nil {
			return &BackendError{
				Operation: operation,
				Err:       fmt.Errorf("backoff interrupted: %w (last error: %v)", serr, err),
				Attempts:  attempt,
			}
		}
	}

	// Unreachable: the loop always returns on its last attempt.
	return &BackendError{Operation: operation, Attempts: maxAttempts}
}

// Do is [Controller.Execute] for operations that return a value.
func Do[T any](ctx context.Context, c *Controller, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Execute(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// admit checks the breaker before an attempt. An open breaker whose
// cooldown has elapsed is closed for a probe and its failure count is
// stepped down by one rather than zeroed, so a failed probe re-opens it
// immediately.
func (c *Controller) admit(operation string, cfg Config) error {
	if !cfg.CircuitBreakerEnabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Open {
		return nil
	}

	now := c.now()
	if now.Before(c.state.NextRetry) {
		c.bus.Emit(events.SourceInvoke, events.KindCircuitRejected, map[string]any{
			"operation": operation,
			"retry_at":  c.state.NextRetry,
		})
		return &CircuitOpenError{
			Operation: operation,
			Failures:  c.state.FailureCount,
			RetryAt:   c.state.NextRetry,
		}
	}

	c.state.Open = false
	c.state.NextRetry = time.Time{}
	if c.state.FailureCount > 0 {
		c.state.FailureCount--
	}
	c.logger.Info("circuit breaker cooldown elapsed, probing",
		"operation", operation,
		"failures", c.state.FailureCount,
	)
	c.bus.Emit(events.SourceInvoke, events.KindCircuitProbe, map[string]any{
		"operation": operation,
		"failures":  c.state.FailureCount,
	})
	return nil
}

func (c *Controller) recordSuccess(operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if failed := len(c.attempts); failed > 0 {
		c.logger.Info("backend recovered",
			"operation", operation,
			"failed_attempts", failed,
		)
		c.bus.Emit(events.SourceInvoke, events.KindRecovered, map[string]any{
			"operation":       operation,
			"failed_attempts": failed,
		})
	}
	c.state.FailureCount = 0
	c.state.Open = false
	c.state.NextRetry = time.Time{}
	c.attempts = nil
}

func (c *Controller) recordFailure(operation string, cfg Config, attempt int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.attempts = append(c.attempts, RetryAttempt{
		Operation: operation,
		Attempt:   attempt,
		Err:       err,
		Timestamp: now,
	})
	if len(c.attempts) > maxRetryLog {
		c.attempts = c.attempts[len(c.attempts)-maxRetryLog:]
	}

	c.state.FailureCount++
	c.state.LastFailure = now

	if cfg.CircuitBreakerEnabled && c.state.FailureCount >= cfg.CircuitBreakerThreshold {
		wasOpen := c.state.Open
		c.state.Open = true
		c.state.NextRetry = now.Add(cfg.CircuitBreakerTimeout)
		if !wasOpen {
			c.logger.Warn("circuit breaker opened",
				"operation", operation,
				"failures", c.state.FailureCount,
				"retry_at", c.state.NextRetry,
			)
			c.bus.Emit(events.SourceInvoke, events.KindCircuitOpen, map[string]any{
				"operation": operation,
				"failures":  c.state.FailureCount,
				"retry_at":  c.state.NextRetry,
			})
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
