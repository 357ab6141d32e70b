package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetryConfig parameterizes exponential backoff.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the first call.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// ExponentialBase must be > 1. Defaults to 2.
	ExponentialBase float64

	// Jitter draws the actual delay uniformly from [0, computed delay].
	Jitter bool

	// Retryable decides whether an error triggers a retry.
	// Defaults to DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryConfig mirrors the usual transport settings: three retries,
// one second base, thirty second cap, full jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Validate checks the configuration bounds.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("retry: max_retries must be non-negative")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("retry: base_delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("retry: max_delay must be >= base_delay")
	}
	if c.ExponentialBase <= 1 {
		return fmt.Errorf("retry: exponential_base must be > 1")
	}
	return nil
}

// RetryStats reports what a policy has done so far.
type RetryStats struct {
	Attempts   int
	TotalDelay time.Duration
}

// RetryPolicy executes callables with exponential backoff.
type RetryPolicy struct {
	cfg    RetryConfig
	logger *zap.Logger

	mu         sync.Mutex
	attempts   int
	totalDelay time.Duration
}

// NewRetryPolicy validates cfg and returns a policy.
func NewRetryPolicy(cfg RetryConfig, logger *zap.Logger) (*RetryPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ExponentialBase == 0 {
		cfg.ExponentialBase = 2
	}
	if cfg.Retryable == nil {
		cfg.Retryable = DefaultRetryable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryPolicy{cfg: cfg, logger: logger}, nil
}

// delay computes the backoff for 0-indexed retry n:
// min(base * exponential_base^n, max), drawn uniformly from [0, that] when
// jitter is on.
func (p *RetryPolicy) delay(n int) time.Duration {
	d := time.Duration(float64(p.cfg.BaseDelay) * math.Pow(p.cfg.ExponentialBase, float64(n)))
	if d > p.cfg.MaxDelay || d <= 0 {
		d = p.cfg.MaxDelay
	}
	if p.cfg.Jitter {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}

// Do runs fn, retrying retryable errors up to MaxRetries times. The last
// error is returned when retries are exhausted. Non-retryable errors and
// context cancellation propagate immediately.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		p.mu.Lock()
		p.attempts = attempt + 1
		p.mu.Unlock()

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				p.logger.Debug("retried operation succeeded", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !p.cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.cfg.MaxRetries {
			break
		}

		d := p.delay(attempt)
		p.mu.Lock()
		p.totalDelay += d
		p.mu.Unlock()

		p.logger.Debug("retrying after transient error",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", d),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry interrupted: %w", ctx.Err())
		case <-time.After(d):
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Stats returns attempt count and accumulated backoff.
func (p *RetryPolicy) Stats() RetryStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return RetryStats{Attempts: p.attempts, TotalDelay: p.totalDelay}
}
