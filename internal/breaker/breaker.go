// Package breaker implements a three-state circuit breaker with timeout-based
// recovery, plus a name-indexed registry so the transport and providers can
// share breakers ("websocket_connections", "kimi", "glm", ...).
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state.
type State int32

const (
	// StateClosed indicates normal operation; requests pass through.
	StateClosed State = iota

	// StateOpen indicates the circuit is open; requests fail fast.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call. It is distinguishable
// from wrapped-function errors via errors.Is so that callers can take the
// "queue for retry" branch only for breaker-rejected criticals.
var ErrOpen = errors.New("circuit breaker is open")

// ErrTooManyCalls is returned when the half-open probe budget is exhausted.
var ErrTooManyCalls = errors.New("circuit breaker half-open call limit reached")

// Config holds circuit breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	Timeout          time.Duration // open duration before probing
	HalfOpenMaxCalls int           // max in-flight probes while half-open
}

// DefaultConfig returns the standard production thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// StateChangeFunc is invoked on every state transition.
type StateChangeFunc func(name string, from, to State)

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreaker is a three-state failure isolator. All state transitions
// happen under a single mutex so they are atomic; IsOpen reads an atomic copy
// of the state and may observe a stale value, which is acceptable because
// the Call and Allow admission paths re-check under the lock.
type CircuitBreaker struct {
	name   string
	config Config
	logger zerolog.Logger

	mu              sync.Mutex
	state           State
	atomicState     int32 // mirror of state for the lock-free fast path
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time

	totalCalls      int64
	totalFailures   int64
	totalRejections int64

	onStateChange StateChangeFunc
}

// New creates a circuit breaker. A zero-value field in config is replaced by
// its default.
func New(name string, config Config, logger zerolog.Logger) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// OnStateChange registers a callback invoked on every transition.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// IsOpen reports whether the breaker is currently open. Lock-free; may be
// stale by one transition.
func (cb *CircuitBreaker) IsOpen() bool {
	return State(atomic.LoadInt32(&cb.atomicState)) == StateOpen
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	return State(atomic.LoadInt32(&cb.atomicState))
}

// Allow gates a call the same way Call does, including the OPEN → HALF_OPEN
// transition once the recovery timeout has elapsed. It is the admission check
// for callers that report outcomes through OnSuccess and OnFailure
// themselves; gating on IsOpen alone would leave the breaker open forever,
// since the timed transition only happens under the lock. Every admitted call
// must end in exactly one OnSuccess or OnFailure.
func (cb *CircuitBreaker) Allow() bool {
	return cb.beforeCall() == nil
}

// Call executes fn under the breaker. It returns ErrOpen (or ErrTooManyCalls)
// without invoking fn when the breaker rejects the call; otherwise it returns
// fn's error and records the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		cb.OnFailure()
		return err
	}
	cb.OnSuccess()
	return nil
}

// beforeCall gates admission and performs the OPEN → HALF_OPEN transition
// when the recovery timeout has elapsed.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	atomic.AddInt64(&cb.totalCalls, 1)

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.transition(StateHalfOpen)
			cb.halfOpenCalls = 1
			return nil
		}
		atomic.AddInt64(&cb.totalRejections, 1)
		return fmt.Errorf("%w: %s", ErrOpen, cb.name)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			atomic.AddInt64(&cb.totalRejections, 1)
			return fmt.Errorf("%w: %s", ErrTooManyCalls, cb.name)
		}
		cb.halfOpenCalls++
		return nil
	}
	return nil
}

// OnSuccess records a successful call. In CLOSED it resets the failure count;
// in HALF_OPEN it counts toward SuccessThreshold and closes the breaker when
// reached.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		// The probe budget counts in-flight calls; a completed probe frees
		// its slot.
		if cb.halfOpenCalls > 0 {
			cb.halfOpenCalls--
		}
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
			cb.resetCountersLocked()
		}
	}
}

// OnFailure records a failed call. Reaching FailureThreshold in CLOSED opens
// the breaker; any failure in HALF_OPEN reopens it immediately.
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	atomic.AddInt64(&cb.totalFailures, 1)
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}

	case StateHalfOpen:
		cb.transition(StateOpen)
		cb.successCount = 0
		cb.halfOpenCalls = 0
	}
}

// Reset forces the breaker back to CLOSED and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
	cb.resetCountersLocked()
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalCalls:      atomic.LoadInt64(&cb.totalCalls),
		TotalFailures:   atomic.LoadInt64(&cb.totalFailures),
		TotalRejections: atomic.LoadInt64(&cb.totalRejections),
		LastFailureTime: cb.lastFailureTime,
	}
}

// transition changes state, mirrors it into the atomic fast path, logs, and
// fires the callback. Caller must hold cb.mu.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	atomic.StoreInt32(&cb.atomicState, int32(to))

	cb.logger.Info().
		Str("breaker", cb.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failure_count", cb.failureCount).
		Msg("Circuit breaker state change")

	if cb.onStateChange != nil {
		// Fire outside the critical section would risk ordering inversions
		// between rapid transitions; callbacks must be non-blocking.
		cb.onStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) resetCountersLocked() {
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

// Manager keeps a name-indexed registry of breakers so components can share
// one breaker per downstream dependency.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   Config
	logger   zerolog.Logger
	onChange StateChangeFunc
}

// NewManager creates a registry whose breakers use config as defaults.
func NewManager(config Config, logger zerolog.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// OnStateChange sets a callback applied to every breaker created afterwards.
func (m *Manager) OnStateChange(fn StateChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
	for _, cb := range m.breakers {
		cb.OnStateChange(fn)
	}
}

// Get returns the breaker registered under name, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := New(name, m.config, m.logger)
	if m.onChange != nil {
		cb.OnStateChange(m.onChange)
	}
	m.breakers[name] = cb
	return cb
}

// Stats returns snapshots for all registered breakers.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.Stats()
	}
	return out
}

// ResetAll forces every registered breaker back to CLOSED.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}
