package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testBreaker(t *testing.T, cfg Config) *CircuitBreaker {
	t.Helper()
	return New("test", cfg, zerolog.Nop())
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Call(func() error { return errors.New("boom") })
	}
}

func TestClosedToOpenAtThreshold(t *testing.T) {
	cb := testBreaker(t, Config{FailureThreshold: 5, Timeout: time.Minute})

	failN(cb, 4)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after threshold-1 failures, want closed", cb.State())
	}

	// One success resets the consecutive failure count.
	cb.Call(func() error { return nil })
	if got := cb.Stats().FailureCount; got != 0 {
		t.Fatalf("failure count = %d after success, want 0", got)
	}

	failN(cb, 5)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after threshold failures, want open", cb.State())
	}
}

func TestOpenRejectsWithErrOpen(t *testing.T) {
	cb := testBreaker(t, Config{FailureThreshold: 1, Timeout: time.Minute})
	failN(cb, 1)

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("wrapped function must not run while open")
	}

	// A wrapped-function error must not look like a breaker rejection.
	cb.Reset()
	wrapped := errors.New("provider exploded")
	err = cb.Call(func() error { return wrapped })
	if errors.Is(err, ErrOpen) {
		t.Fatal("wrapped error must be distinguishable from ErrOpen")
	}
}

func TestOpenStaysOpenWithoutSuccess(t *testing.T) {
	cb := testBreaker(t, Config{FailureThreshold: 1, Timeout: time.Hour})
	failN(cb, 1)

	for i := 0; i < 10; i++ {
		cb.Call(func() error { return nil })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open until timeout elapses", cb.State())
	}
}

func TestRecoveryHalfOpenToClosed(t *testing.T) {
	cb := testBreaker(t, Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
		HalfOpenMaxCalls: 3,
	})
	failN(cb, 1)
	time.Sleep(30 * time.Millisecond)

	// First probe transitions OPEN → HALF_OPEN and runs.
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after success threshold, want closed", cb.State())
	}
	if s := cb.Stats(); s.FailureCount != 0 || s.SuccessCount != 0 {
		t.Fatalf("counters not reset after close: %+v", s)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker(t, Config{
		FailureThreshold: 1,
		SuccessThreshold: 5,
		Timeout:          20 * time.Millisecond,
		HalfOpenMaxCalls: 5,
	})
	failN(cb, 1)
	time.Sleep(30 * time.Millisecond)

	cb.Call(func() error { return nil })
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}
	cb.Call(func() error { return errors.New("still broken") })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after half-open failure, want open", cb.State())
	}
}

func TestHalfOpenCallLimit(t *testing.T) {
	cb := testBreaker(t, Config{
		FailureThreshold: 1,
		SuccessThreshold: 100, // never close during this test
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	})
	failN(cb, 1)
	time.Sleep(20 * time.Millisecond)

	if err := cb.beforeCall(); err != nil {
		t.Fatalf("probe 1 rejected: %v", err)
	}
	if err := cb.beforeCall(); err != nil {
		t.Fatalf("probe 2 rejected: %v", err)
	}
	if err := cb.beforeCall(); !errors.Is(err, ErrTooManyCalls) {
		t.Fatalf("probe 3 err = %v, want ErrTooManyCalls", err)
	}
}

// Allow must give OnSuccess/OnFailure callers the same recovery path Call
// has: the timed OPEN -> HALF_OPEN transition happens on admission.
func TestAllowRecoversAfterTimeout(t *testing.T) {
	cb := testBreaker(t, Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
		HalfOpenMaxCalls: 3,
	})

	cb.OnFailure()
	cb.OnFailure()
	if !cb.IsOpen() {
		t.Fatal("breaker not open after threshold failures")
	}
	if cb.Allow() {
		t.Fatal("Allow() = true while open before the recovery timeout")
	}

	time.Sleep(30 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("Allow() = false after the recovery timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v after timed admission, want half_open", cb.State())
	}

	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatal("second probe rejected")
	}
	cb.OnSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after two probe successes, want closed", cb.State())
	}
}

// The half-open budget bounds in-flight probes, not total admitted ones; a
// completed probe frees its slot.
func TestHalfOpenBudgetFreesOnCompletion(t *testing.T) {
	cb := testBreaker(t, Config{
		FailureThreshold: 1,
		SuccessThreshold: 100, // never close during this test
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	})
	failN(cb, 1)
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe 1 rejected")
	}
	if !cb.Allow() {
		t.Fatal("probe 2 rejected")
	}
	if cb.Allow() {
		t.Fatal("probe 3 admitted past the in-flight limit")
	}

	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatal("probe rejected after a completed probe freed its slot")
	}
}

func TestStateChangeCallback(t *testing.T) {
	cb := testBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 1,
		Timeout: 10 * time.Millisecond, HalfOpenMaxCalls: 1})

	var mu sync.Mutex
	var transitions [][2]State
	cb.OnStateChange(func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, [2]State{from, to})
		mu.Unlock()
	})

	failN(cb, 1)
	time.Sleep(20 * time.Millisecond)
	cb.Call(func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	want := [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestConcurrentReports(t *testing.T) {
	cb := testBreaker(t, Config{FailureThreshold: 50, Timeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if j%2 == 0 {
					cb.OnSuccess()
				} else {
					cb.OnFailure()
				}
			}
		}()
	}
	wg.Wait()

	// Alternating success/failure never reaches 50 consecutive failures.
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if got := cb.Stats().TotalFailures; got != 500 {
		t.Fatalf("total failures = %d, want 500", got)
	}
}

func TestManagerSharesBreakersByName(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, Timeout: time.Minute}, zerolog.Nop())

	a := m.Get("kimi")
	b := m.Get("kimi")
	if a != b {
		t.Fatal("Get must return the same breaker for the same name")
	}
	if m.Get("glm") == a {
		t.Fatal("distinct names must get distinct breakers")
	}

	a.OnFailure()
	stats := m.Stats()
	if stats["kimi"].State != "open" {
		t.Errorf("kimi state = %s, want open", stats["kimi"].State)
	}
	if stats["glm"].State != "closed" {
		t.Errorf("glm state = %s, want closed", stats["glm"].State)
	}

	m.ResetAll()
	if a.State() != StateClosed {
		t.Error("ResetAll must close every breaker")
	}
}
