package reliability

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)

	cb.RecordFailure()
	cb.RecordFailure()
	if state := cb.State(); state != BreakerClosed {
		t.Fatalf("expected closed below threshold, got %s", state)
	}
	if !cb.IsAvailable() {
		t.Fatalf("expected available below threshold")
	}

	cb.RecordFailure()
	if state := cb.State(); state != BreakerOpen {
		t.Fatalf("expected open at threshold, got %s", state)
	}
	if cb.IsAvailable() {
		t.Fatalf("expected unavailable while open")
	}
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	if state := cb.State(); state != BreakerOpen {
		t.Fatalf("expected open, got %s", state)
	}

	time.Sleep(40 * time.Millisecond)

	if state := cb.State(); state != BreakerHalfOpen {
		t.Fatalf("expected half-open after recovery timeout, got %s", state)
	}
	if !cb.IsAvailable() {
		t.Fatalf("expected half-open trial to be permitted")
	}
	// Elapsed time alone never resets the failure count.
	if count := cb.FailureCount(); count != 2 {
		t.Errorf("expected failure count unchanged, got %d", count)
	}
}

func TestBreakerOnlySuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if state := cb.State(); state != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", state)
	}

	cb.RecordSuccess()
	if state := cb.State(); state != BreakerClosed {
		t.Fatalf("expected closed after success, got %s", state)
	}
	if count := cb.FailureCount(); count != 0 {
		t.Errorf("expected failure count reset, got %d", count)
	}
}

func TestBreakerFailureDuringHalfOpenReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 20*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(30 * time.Millisecond)

	cb.RecordFailure()
	if state := cb.State(); state != BreakerOpen {
		t.Fatalf("expected reopened circuit, got %s", state)
	}
}
