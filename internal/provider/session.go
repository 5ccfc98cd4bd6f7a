package provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Zazzles2908/exai-gateway/internal/metrics"
)

// ErrSessionTimeout is returned when a provider call exceeds its session
// deadline. Distinguishable from provider errors via errors.Is.
var ErrSessionTimeout = errors.New("provider session timed out")

// CallFunc is the wrapped provider call. It must be cooperatively
// cancellable through its context.
type CallFunc func(ctx context.Context) (*ChatResponse, error)

// ExecuteOptions tunes a single Execute call.
type ExecuteOptions struct {
	RequestID         string
	Timeout           time.Duration
	AddSessionContext bool
	EnforceTimeout    bool
}

// DefaultExecuteOptions returns the standard per-call options; the caller
// fills in the timeout.
func DefaultExecuteOptions(timeout time.Duration) ExecuteOptions {
	return ExecuteOptions{
		Timeout:           timeout,
		AddSessionContext: true,
		EnforceTimeout:    true,
	}
}

// SessionExecutor wraps provider calls in a session: a deadline, stable IDs
// for tracing, and session context injected into the response metadata.
type SessionExecutor struct {
	logger  zerolog.Logger
	metrics *metrics.Wrapper
	counter int64 // atomic; session sequence per process
}

// NewSessionExecutor creates an executor.
func NewSessionExecutor(mw *metrics.Wrapper, logger zerolog.Logger) *SessionExecutor {
	return &SessionExecutor{logger: logger, metrics: mw}
}

// Execute runs fn under a session. On timeout the context is cancelled and
// ErrSessionTimeout is returned; provider errors are propagated wrapped with
// the session identifiers.
func (e *SessionExecutor) Execute(ctx context.Context, providerName, model string, fn CallFunc, opts ExecuteOptions) (*ChatResponse, error) {
	sessionID := fmt.Sprintf("%s_%d_%d", providerName, time.Now().UnixMilli(), atomic.AddInt64(&e.counter, 1))
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	logger := e.logger.With().
		Str("session_id", sessionID).
		Str("request_id", requestID).
		Str("provider", providerName).
		Str("model", model).
		Logger()

	start := time.Now()
	e.metrics.ProviderCall(providerName)

	callCtx := ctx
	if opts.EnforceTimeout && opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	resp, err := e.run(callCtx, fn)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrSessionTimeout) {
			outcome = "timeout"
			e.metrics.ProviderTimeout(providerName)
			logger.Warn().
				Dur("duration", duration).
				Dur("timeout", opts.Timeout).
				Msg("Provider session timed out")
		}
		metrics.RecordProviderCall(providerName, outcome, duration.Seconds())
		return nil, fmt.Errorf("session %s request %s: %w", sessionID, requestID, err)
	}

	metrics.RecordProviderCall(providerName, "success", duration.Seconds())
	logger.Debug().Dur("duration", duration).Msg("Provider session completed")

	if opts.AddSessionContext && resp != nil {
		if resp.Metadata == nil {
			resp.Metadata = make(map[string]any)
		}
		resp.Metadata["session"] = map[string]any{
			"session_id":       sessionID,
			"request_id":       requestID,
			"duration_seconds": duration.Seconds(),
		}
	}
	return resp, nil
}

// run executes fn and translates deadline expiry into ErrSessionTimeout.
// fn runs on its own goroutine so a call that ignores cancellation cannot
// stall the session past its deadline.
func (e *SessionExecutor) run(ctx context.Context, fn CallFunc) (*ChatResponse, error) {
	type outcome struct {
		resp *ChatResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := fn(ctx)
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrSessionTimeout, out.err)
		}
		return out.resp, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrSessionTimeout
		}
		return nil, ctx.Err()
	}
}
