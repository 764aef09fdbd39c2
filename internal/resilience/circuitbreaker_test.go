package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend unavailable")

func failTimes(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errBackend })
	}
}

func TestBreakerDefaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "defaults"})
	if cb.State() != StateClosed {
		t.Fatalf("initial State() = %v, want closed", cb.State())
	}

	// The default trip threshold is five consecutive failures.
	failTimes(cb, 4)
	if cb.State() != StateClosed {
		t.Errorf("State() after 4 failures = %v, want closed", cb.State())
	}
	failTimes(cb, 1)
	if cb.State() != StateOpen {
		t.Errorf("State() after 5 failures = %v, want open", cb.State())
	}
}

func TestBreakerClosedPassesThrough(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "closed", MaxFailures: 3})
	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !called {
		t.Error("closed breaker did not invoke fn")
	}
}

func TestBreakerTripsAndRejects(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "trip",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})
	failTimes(cb, 3)
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	err := cb.Execute(func() error {
		t.Error("open breaker invoked fn")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessClearsFailureStreak(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "streak", MaxFailures: 3})

	failTimes(cb, 2)
	_ = cb.Execute(func() error { return nil })
	failTimes(cb, 2)

	// The streak restarted after the success, so four non-consecutive
	// failures must not trip a threshold of three.
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

func TestBreakerRecoversThroughProbes(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "recover",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})
	failTimes(cb, 2)

	time.Sleep(15 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() after reset timeout = %v, want half-open", cb.State())
	}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d error = %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("State() after successful probes = %v, want closed", cb.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "reopen",
		MaxFailures:  2,
		ResetTimeout: 50 * time.Millisecond,
		HalfOpenMax:  3,
	})
	failTimes(cb, 2)

	time.Sleep(60 * time.Millisecond)
	if err := cb.Execute(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("probe error = %v, want the backend error", err)
	}

	if cb.State() != StateOpen {
		t.Errorf("State() after failed probe = %v, want open", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() after re-open error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerManualReset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "reset",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	failTimes(cb, 2)
	if cb.State() != StateOpen {
		t.Fatal("breaker did not open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("State() after Reset() = %v, want closed", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute() after Reset() error = %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
