package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zazzles2908/exai-gateway/internal/metrics"
)

func testExecutor() *SessionExecutor {
	return NewSessionExecutor(metrics.NewWrapper(nil), zerolog.Nop())
}

func TestExecuteInjectsSessionContext(t *testing.T) {
	e := testExecutor()

	got, err := e.Execute(context.Background(), "kimi", "kimi-k2",
		func(ctx context.Context) (*ChatResponse, error) {
			return resp(FinishStop, "hello", nil), nil
		},
		DefaultExecuteOptions(time.Second))

	require.NoError(t, err)
	session, ok := got.Metadata["session"].(map[string]any)
	require.True(t, ok, "metadata.session missing")
	assert.True(t, strings.HasPrefix(session["session_id"].(string), "kimi_"))
	assert.NotEmpty(t, session["request_id"])
	assert.GreaterOrEqual(t, session["duration_seconds"].(float64), 0.0)
}

func TestExecuteKeepsSuppliedRequestID(t *testing.T) {
	e := testExecutor()

	opts := DefaultExecuteOptions(time.Second)
	opts.RequestID = "req-123"
	got, err := e.Execute(context.Background(), "glm", "glm-4",
		func(ctx context.Context) (*ChatResponse, error) {
			return resp(FinishStop, "ok", nil), nil
		}, opts)

	require.NoError(t, err)
	session := got.Metadata["session"].(map[string]any)
	assert.Equal(t, "req-123", session["request_id"])
}

func TestExecuteSkipsSessionContextWhenDisabled(t *testing.T) {
	e := testExecutor()

	opts := DefaultExecuteOptions(time.Second)
	opts.AddSessionContext = false
	got, err := e.Execute(context.Background(), "kimi", "kimi-k2",
		func(ctx context.Context) (*ChatResponse, error) {
			return resp(FinishStop, "ok", nil), nil
		}, opts)

	require.NoError(t, err)
	assert.Nil(t, got.Metadata)
}

func TestExecuteTimesOut(t *testing.T) {
	e := testExecutor()

	start := time.Now()
	_, err := e.Execute(context.Background(), "kimi", "kimi-k2",
		func(ctx context.Context) (*ChatResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		DefaultExecuteOptions(50*time.Millisecond))

	require.ErrorIs(t, err, ErrSessionTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteWrapsProviderErrors(t *testing.T) {
	e := testExecutor()

	providerErr := errors.New("rate limited")
	_, err := e.Execute(context.Background(), "kimi", "kimi-k2",
		func(ctx context.Context) (*ChatResponse, error) {
			return nil, providerErr
		},
		DefaultExecuteOptions(time.Second))

	require.ErrorIs(t, err, providerErr)
	assert.Contains(t, err.Error(), "session kimi_")
}

func TestExecuteSessionIDsAreUnique(t *testing.T) {
	e := testExecutor()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		got, err := e.Execute(context.Background(), "kimi", "kimi-k2",
			func(ctx context.Context) (*ChatResponse, error) {
				return resp(FinishStop, "ok", nil), nil
			},
			DefaultExecuteOptions(time.Second))
		require.NoError(t, err)
		id := got.Metadata["session"].(map[string]any)["session_id"].(string)
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}
