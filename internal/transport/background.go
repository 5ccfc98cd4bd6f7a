package transport

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Zazzles2908/exai-gateway/internal/logging"
)

// BackgroundTasks runs the retry and cleanup workers for a Manager.
type BackgroundTasks struct {
	manager *Manager
	logger  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	tasks  int
}

// NewBackgroundTasks creates the workers; Start launches them.
func NewBackgroundTasks(m *Manager, logger zerolog.Logger) *BackgroundTasks {
	return &BackgroundTasks{manager: m, logger: logger}
}

// Start launches the retry and cleanup loops.
func (b *BackgroundTasks) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(2)
	b.tasks = 2
	go b.retryLoop(ctx)
	go b.cleanupLoop(ctx)
}

// Stop cancels the workers, waits for them, and returns how many were
// stopped.
func (b *BackgroundTasks) Stop() int {
	if b.cancel == nil {
		return 0
	}
	b.cancel()
	b.wg.Wait()
	stopped := b.tasks
	b.tasks = 0
	return stopped
}

// Backoff returns the retry delay for the given attempt: exponential from the
// base, capped at the max, plus up to 10% uniform jitter.
func (b *BackgroundTasks) Backoff(retryCount int) time.Duration {
	delay := b.manager.config.BaseRetryDelay << uint(retryCount)
	if delay > b.manager.config.MaxRetryDelay || delay <= 0 {
		delay = b.manager.config.MaxRetryDelay
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	return delay + jitter
}

func (b *BackgroundTasks) retryLoop(ctx context.Context) {
	defer b.wg.Done()
	defer logging.RecoverPanic(b.logger, "transportRetryLoop", nil)

	ticker := time.NewTicker(b.manager.config.RetryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainQueues()
		}
	}
}

// drainQueues attempts delivery of queued messages for every client that has
// any. Draining a client stops at the first failure or not-yet-due message so
// ordering is preserved.
func (b *BackgroundTasks) drainQueues() {
	m := b.manager
	now := time.Now()

	for _, clientID := range m.queue.ClientIDs() {
		state := m.Connection(clientID)

		for {
			msg := m.queue.Dequeue(clientID)
			if msg == nil {
				break
			}

			if state == nil {
				// Client is gone; its criticals have nowhere to go.
				continue
			}
			if state.Disconnected() {
				m.queue.Requeue(clientID, msg)
				break
			}
			if msg.NextAttemptAt.After(now) {
				m.queue.Requeue(clientID, msg)
				break
			}

			m.metrics.RetryAttempt(clientID)
			data, err := json.Marshal(msg.Payload)
			if err == nil {
				err = state.Conn.Write(data)
			}
			if err == nil {
				state.Touch()
				state.ResetRetries()
				m.metrics.RetrySuccess(clientID)
				if m.breaker != nil {
					m.breaker.OnSuccess()
				}
				continue
			}

			state.MarkRetry()
			if m.breaker != nil {
				m.breaker.OnFailure()
			}
			msg.RetryCount++
			if msg.RetryCount < m.config.MaxRetryAttempts {
				msg.NextAttemptAt = now.Add(b.Backoff(msg.RetryCount))
				m.queue.Requeue(clientID, msg)
			} else {
				m.metrics.RetryFailure(clientID)
				b.logger.Warn().
					Str("client_id", clientID).
					Int("retry_count", msg.RetryCount).
					Msg("Message discarded after max retries")
			}
			break
		}
	}
}

func (b *BackgroundTasks) cleanupLoop(ctx context.Context) {
	defer b.wg.Done()
	defer logging.RecoverPanic(b.logger, "transportCleanupLoop", nil)

	ticker := time.NewTicker(b.manager.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.cleanup()
		}
	}
}

func (b *BackgroundTasks) cleanup() {
	m := b.manager

	if expired := m.queue.CleanupExpired(); expired > 0 {
		b.logger.Info().Int("expired", expired).Msg("Dropped expired queued messages")
	}
	m.dedup.CleanupExpired()

	m.mu.RLock()
	var timedOut []*ConnectionState
	for _, state := range m.conns {
		if !state.Disconnected() && state.IsTimeout(m.config.ConnectionTimeout) {
			timedOut = append(timedOut, state)
		}
	}
	m.mu.RUnlock()

	for _, state := range timedOut {
		state.MarkDisconnected()
		b.logger.Warn().
			Str("client_id", state.ClientID).
			Dur("idle", time.Since(state.LastMessage())).
			Msg("Connection timed out")
		if m.OnTimeout != nil {
			m.OnTimeout(state.ClientID)
		}
	}
}
