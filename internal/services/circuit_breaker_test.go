package services

import (
	"testing"
	"time"

	"mailforge/internal/config"
)

func newFastBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(&config.CircuitBreakerConfig{
		Enabled:         true,
		MaxFailures:     3,
		ResetTimeout:    50 * time.Millisecond,
		HalfOpenMaxReqs: 2,
	})
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := newFastBreaker()

	for i := 0; i < 2; i++ {
		cb.OnFailure()
		if cb.State() != StateClosedCB {
			t.Fatalf("breaker opened too early after %d failures", i+1)
		}
	}
	cb.OnFailure()
	if !cb.IsOpen() {
		t.Fatal("breaker should open at the failure threshold")
	}
	if cb.Allow() {
		t.Fatal("open breaker must refuse traffic")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newFastBreaker()

	cb.OnFailure()
	cb.OnFailure()
	cb.OnSuccess()
	cb.OnFailure()
	cb.OnFailure()

	if cb.IsOpen() {
		t.Fatal("a success between failures must reset the count")
	}
}

func TestCircuitBreaker_HalfOpenProbing(t *testing.T) {
	cb := newFastBreaker()

	for i := 0; i < 3; i++ {
		cb.OnFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("breaker should half-open after the reset timeout")
	}
	if cb.State() != StateHalfOpenCB {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatalf("half-open breaker should allow probe %d", i+1)
		}
	}
	if cb.Allow() {
		t.Fatal("half-open breaker must cap probes")
	}

	cb.OnSuccess()
	if cb.State() != StateClosedCB {
		t.Fatal("a successful probe closes the breaker")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newFastBreaker()

	for i := 0; i < 3; i++ {
		cb.OnFailure()
	}
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.OnFailure()

	if !cb.IsOpen() {
		t.Fatal("a failed probe reopens the breaker")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newFastBreaker()
	for i := 0; i < 3; i++ {
		cb.OnFailure()
	}
	cb.Reset()
	if cb.State() != StateClosedCB || !cb.Allow() {
		t.Fatal("reset must return the breaker to closed")
	}
}
