package sqlite

import (
	"errors"
	"testing"
	"time"
)

func tripBreaker(cb *CircuitBreaker) {
	testErr := errors.New("fail")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", cb.State())
	}
}

func TestBreakerRejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb)

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn should not run while breaker is open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")
	for i := 0; i < 4; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return testErr })
	if cb.State() != StateClosed {
		t.Fatalf("success should reset the streak, got %s", cb.State())
	}
}

func TestBreakerProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb)

	now = now.Add(200 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after probe, got %s", cb.State())
	}
}

func TestBreakerProbeFailureReOpens(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb)

	now = now.Add(200 * time.Millisecond)
	testErr := errors.New("still failing")
	if err := cb.Execute(func() error { return testErr }); !errors.Is(err, testErr) {
		t.Fatalf("probe error should surface, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected re-open after failed probe, got %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection right after re-open, got %v", err)
	}
}
