// Package retry implements the retry-with-backoff engine shared by every
// protocol operation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidConfig is returned when a Config fails validation.
var ErrInvalidConfig = errors.New("invalid retry config")

// Config describes one retry policy. Delay before attempt k (k >= 1) is
// min(MaxDelay, BaseDelay * ExponentialBase^(k-1)), scaled by a uniform
// factor in [JitterMin, JitterMax] when JitterMax > 0.
type Config struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ExponentialBase float64       `mapstructure:"exponential_base"`
	JitterMin       float64       `mapstructure:"jitter_min"`
	JitterMax       float64       `mapstructure:"jitter_max"`
}

// Validate checks the policy for values that cannot produce a sane schedule.
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidConfig)
	case c.BaseDelay < 0:
		return fmt.Errorf("%w: base_delay must be >= 0", ErrInvalidConfig)
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("%w: max_delay must be >= base_delay", ErrInvalidConfig)
	case c.ExponentialBase < 1:
		return fmt.Errorf("%w: exponential_base must be >= 1", ErrInvalidConfig)
	case c.JitterMin < 0 || c.JitterMax < c.JitterMin:
		return fmt.Errorf("%w: jitter range must satisfy 0 <= min <= max", ErrInvalidConfig)
	}
	return nil
}

// Jitter reports whether delays are randomized.
func (c Config) Jitter() bool {
	return c.JitterMax > 0
}

// Delay returns the un-jittered wait before attempt k (k >= 1).
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(c.BaseDelay) * math.Pow(c.ExponentialBase, float64(attempt-1))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Observer is notified before each retry wait.
type Observer func(attempt int, delay time.Duration, err error)

// Option customizes an Engine.
type Option func(*Engine)

// WithSleeper replaces the context-aware sleep (used by tests).
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithObserver registers a callback invoked before each retry wait.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger logs each retry at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRandom replaces the jitter source; f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(e *Engine) { e.random = f }
}

// Engine executes operations with retries. It holds no per-call state and is
// safe for concurrent use.
type Engine struct {
	cfg       Config
	sleep     func(context.Context, time.Duration) error
	random    func() float64
	observers []Observer
	logger    *zap.Logger
}

// New validates cfg and builds an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		sleep:  sleepContext,
		random: rand.Float64,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's policy.
func (e *Engine) Config() Config {
	return e.cfg
}

// Do runs op until it succeeds or the retry budget is spent. Any error op
// returns is retried; callers keep permanent failures out of op.
func (e *Engine) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := Execute(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute is the value-returning form of Engine.Do.
func Execute[T any](ctx context.Context, e *Engine, op func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	total := e.cfg.MaxRetries + 1
	for attempt := 0; attempt < total; attempt++ {
		if attempt > 0 {
			delay := e.backoff(attempt)
			for _, o := range e.observers {
				o(attempt, delay, lastErr)
			}
			e.logger.Debug("retrying operation",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", total),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry canceled after %d attempts: %w: %w", attempt, err, lastErr)
			}
		}
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err
	}
	return zero, &ExhaustedError{Attempts: total, Err: lastErr}
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.Delay(attempt)
	if !e.cfg.Jitter() || d == 0 {
		return d
	}
	factor := e.cfg.JitterMin + e.random()*(e.cfg.JitterMax-e.cfg.JitterMin)
	return time.Duration(float64(d) * factor)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
