package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

func testBreaker(failureThreshold, successThreshold int, recovery time.Duration) *Breaker {
	return NewBreaker("test", BreakerConfig{
		FailureThreshold: failureThreshold,
		SuccessThreshold: successThreshold,
		RecoveryTimeout:  recovery,
	}, nil)
}

func fail(ctx context.Context) error { return errUpstream }
func ok(ctx context.Context) error   { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := testBreaker(3, 1, time.Hour)

	for i := 0; i < 3; i++ {
		if err := b.Do(context.Background(), fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Open circuit fails fast without invoking the function.
	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("wrapped function invoked while circuit open")
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := testBreaker(3, 1, time.Hour)

	b.Do(context.Background(), fail)
	b.Do(context.Background(), fail)
	b.Do(context.Background(), ok)
	b.Do(context.Background(), fail)
	b.Do(context.Background(), fail)

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after interleaved success", b.State())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := testBreaker(1, 2, 20*time.Millisecond)

	b.Do(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	// First probe after the recovery timeout must be invoked exactly once.
	calls := 0
	if err := b.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if calls != 1 {
		t.Fatalf("probe calls = %d, want 1", calls)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	if err := b.Do(context.Background(), ok); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after %d successes", b.State(), 2)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(1, 2, 10*time.Millisecond)

	b.Do(context.Background(), fail)
	time.Sleep(20 * time.Millisecond)

	if err := b.Do(context.Background(), fail); !errors.Is(err, errUpstream) {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open after half-open failure", b.State())
	}
	if err := b.Do(context.Background(), ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want fail-fast after reopen", err)
	}
}

func TestBreakerExcludedErrors(t *testing.T) {
	notFound := errors.New("not found")
	b := NewBreaker("test", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Hour,
		IsExcluded:       func(err error) bool { return errors.Is(err, notFound) },
	}, nil)

	for i := 0; i < 5; i++ {
		if err := b.Do(context.Background(), func(context.Context) error { return notFound }); !errors.Is(err, notFound) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, excluded errors must not open the circuit", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b := testBreaker(1, 1, time.Hour)
	b.Do(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state = %s after Reset, want closed", b.State())
	}
	if err := b.Do(context.Background(), ok); err != nil {
		t.Errorf("call after Reset: %v", err)
	}
}

func TestBreakerMetrics(t *testing.T) {
	b := testBreaker(2, 1, time.Hour)
	b.Do(context.Background(), fail)
	b.Do(context.Background(), fail)
	b.Do(context.Background(), ok) // rejected

	m := b.Metrics()
	if m.State != StateOpen || m.TotalCalls != 3 || m.TotalFailures != 2 || m.TotalRejected != 1 || m.Opens != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRegistryIsolatesTargets(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour}, nil)

	r.Get("spiffe://example.org/agent/a").Do(context.Background(), fail)

	if r.Get("spiffe://example.org/agent/a").State() != StateOpen {
		t.Error("failing target not open")
	}
	if r.Get("spiffe://example.org/agent/b").State() != StateClosed {
		t.Error("independent target affected")
	}
	if len(r.AllMetrics()) != 2 {
		t.Errorf("AllMetrics() = %d entries, want 2", len(r.AllMetrics()))
	}

	r.ResetAll()
	if r.Get("spiffe://example.org/agent/a").State() != StateClosed {
		t.Error("ResetAll left a breaker open")
	}
}
