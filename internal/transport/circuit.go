package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is one of the circuit breaker's three states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig parameterizes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the half-open success count that closes it again.
	SuccessThreshold int

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	// IsExcluded marks errors that pass through without counting as
	// failures, e.g. not-found or authorization denials.
	IsExcluded func(error) bool
}

// DefaultBreakerConfig returns the standard thresholds: open after 5
// failures, probe after 30 seconds, close after 2 half-open successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

// BreakerMetrics is a point-in-time snapshot of a breaker's counters.
type BreakerMetrics struct {
	Name          string       `json:"name"`
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	TotalCalls    int64        `json:"total_calls"`
	TotalFailures int64        `json:"total_failures"`
	TotalRejected int64        `json:"total_rejected"`
	Opens         int64        `json:"opens"`
	LastFailureAt time.Time    `json:"last_failure_at,omitempty"`
}

// Breaker is a closed/open/half-open state machine protecting a callable.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *zap.Logger

	mu                sync.Mutex
	state             BreakerState
	failures          int
	halfOpenSuccesses int
	probing           bool
	lastFailureAt     time.Time

	totalCalls    int64
	totalFailures int64
	totalRejected int64
	opens         int64
}

// NewBreaker returns a closed breaker named for the target it protects.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{name: name, cfg: cfg, logger: logger, state: StateClosed}
}

// Do invokes fn through the breaker. When the circuit is open, Do fails fast
// with ErrCircuitOpen without invoking fn. In half-open, exactly one probe is
// admitted at a time; concurrent calls are rejected until it finishes.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	if err != nil && (b.cfg.IsExcluded == nil || !b.cfg.IsExcluded(err)) {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return err
}

// admit decides whether a call may proceed, transitioning open→half-open when
// the recovery timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureAt) < b.cfg.RecoveryTimeout {
			b.totalRejected++
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
		b.probing = true
		b.logger.Info("circuit half-open", zap.String("breaker", b.name))
		return nil
	default: // half-open
		if b.probing {
			b.totalRejected++
			return fmt.Errorf("%s: probe in flight: %w", b.name, ErrCircuitOpen)
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureAt = time.Now()
	b.probing = false

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenSuccesses = 0
		b.opens++
		b.logger.Warn("circuit re-opened by half-open failure", zap.String("breaker", b.name))
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.opens++
			b.logger.Warn("circuit opened",
				zap.String("breaker", b.name),
				zap.Int("failures", b.failures),
			)
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.halfOpenSuccesses = 0
			b.logger.Info("circuit closed", zap.String("breaker", b.name))
		}
	case StateClosed:
		b.failures = 0
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears its failure counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenSuccesses = 0
	b.probing = false
}

// Metrics returns a snapshot of the breaker's counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerMetrics{
		Name:          b.name,
		State:         b.state,
		Failures:      b.failures,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
		TotalRejected: b.totalRejected,
		Opens:         b.opens,
		LastFailureAt: b.lastFailureAt,
	}
}

// BreakerRegistry keys breakers by target so independent peers' failures do
// not interact.
type BreakerRegistry struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry returns a registry that creates breakers with cfg.
func NewBreakerRegistry(cfg BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg, r.logger)
		r.breakers[name] = b
	}
	return b
}

// AllMetrics snapshots every breaker in the registry.
func (r *BreakerRegistry) AllMetrics() []BreakerMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BreakerMetrics, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Metrics())
	}
	return out
}

// ResetAll forces every breaker closed.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
