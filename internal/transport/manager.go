package transport

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Zazzles2908/exai-gateway/internal/breaker"
	"github.com/Zazzles2908/exai-gateway/internal/metrics"
)

// StatusGoingAway is sent on server-initiated shutdown closes.
const StatusGoingAway = 1001

// Config holds the delivery-layer tunables.
type Config struct {
	MaxQueueSize       int
	MessageTTL         time.Duration
	ConnectionTimeout  time.Duration
	MaxRetryAttempts   int
	BaseRetryDelay     time.Duration
	MaxRetryDelay      time.Duration
	RetryCheckInterval time.Duration
	CleanupInterval    time.Duration
	DedupTTL           time.Duration
}

// DefaultConfig returns the standard delivery settings.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:       1000,
		MessageTTL:         5 * time.Minute,
		ConnectionTimeout:  2 * time.Minute,
		MaxRetryAttempts:   5,
		BaseRetryDelay:     time.Second,
		MaxRetryDelay:      60 * time.Second,
		RetryCheckInterval: 5 * time.Second,
		CleanupInterval:    60 * time.Second,
		DedupTTL:           5 * time.Minute,
	}
}

// ShutdownStats reports what a graceful shutdown accomplished.
type ShutdownStats struct {
	PendingMessagesFlushed int     `json:"pending_messages_flushed"`
	PendingMessagesDropped int     `json:"pending_messages_dropped"`
	ConnectionsClosed      int     `json:"connections_closed"`
	BackgroundTasksStopped int     `json:"background_tasks_stopped"`
	MetricsCleaned         bool    `json:"metrics_cleaned"`
	DurationSeconds        float64 `json:"duration_seconds"`
}

// Manager is the resilient send path. Sends are deduplicated, guarded by a
// circuit breaker, and criticals that cannot be delivered are queued for the
// background retry worker.
type Manager struct {
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Wrapper

	mu    sync.RWMutex
	conns map[string]*ConnectionState

	queue   *MessageQueue
	dedup   *Deduplicator
	breaker *breaker.CircuitBreaker
	tasks   *BackgroundTasks

	shuttingDown int32 // atomic bool

	// OnTimeout is invoked by the cleanup worker when a connection is marked
	// dead for inactivity.
	OnTimeout func(clientID string)
}

// NewManager wires the delivery layer. The breaker is typically shared from a
// breaker.Manager under the name "websocket_connections".
func NewManager(config Config, cb *breaker.CircuitBreaker, mw *metrics.Wrapper, logger zerolog.Logger) *Manager {
	m := &Manager{
		config:  config,
		logger:  logger,
		metrics: mw,
		conns:   make(map[string]*ConnectionState),
		queue:   NewMessageQueue(config.MaxQueueSize, config.MessageTTL, logger),
		dedup:   NewDeduplicator(config.DedupTTL),
		breaker: cb,
	}
	m.tasks = NewBackgroundTasks(m, logger)
	return m
}

// Start launches the retry and cleanup workers.
func (m *Manager) Start() {
	m.tasks.Start()
}

// Register adds a connection under the given client ID and returns its state.
func (m *Manager) Register(clientID string, conn Conn) *ConnectionState {
	state := NewConnectionState(clientID, conn)

	m.mu.Lock()
	m.conns[clientID] = state
	total := len(m.conns)
	m.mu.Unlock()

	m.metrics.ConnectionOpened(clientID)
	m.logger.Info().
		Str("client_id", clientID).
		Int("active_connections", total).
		Msg("Connection registered")
	return state
}

// Unregister removes a connection from the map.
func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	_, ok := m.conns[clientID]
	delete(m.conns, clientID)
	total := len(m.conns)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.metrics.ConnectionClosed(clientID)
	m.logger.Info().
		Str("client_id", clientID).
		Int("active_connections", total).
		Msg("Connection unregistered")
}

// Connection returns the state for a client ID, or nil.
func (m *Manager) Connection(clientID string) *ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[clientID]
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Send delivers a message to a client. Duplicate messages within the dedup
// TTL succeed without a write. When the breaker is open or the write fails,
// critical messages are queued for retry; non-criticals are dropped. Returns
// true when the message was delivered or deduplicated.
func (m *Manager) Send(clientID string, msg map[string]any, critical bool) bool {
	m.dedup.SetCurrentClientID(clientID)
	id := m.dedup.MessageID(msg)
	if m.dedup.IsDuplicate(id) {
		m.metrics.MessageDeduplicated(clientID)
		return true
	}

	state := m.Connection(clientID)
	if state == nil || state.Disconnected() {
		m.metrics.MessageFailed(clientID)
		if critical {
			m.enqueueCritical(clientID, msg)
		}
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to serialize message")
		return false
	}

	// Admission is checked last so every admitted call ends in exactly one
	// OnSuccess or OnFailure; Allow also performs the timed OPEN → HALF_OPEN
	// transition, which bare IsOpen never would.
	if m.breaker != nil && !m.breaker.Allow() {
		if critical {
			m.enqueueCritical(clientID, msg)
		}
		return false
	}

	start := time.Now()
	if err := state.Conn.Write(data); err != nil {
		state.MarkRetry()
		m.metrics.MessageFailed(clientID)
		if m.breaker != nil {
			m.breaker.OnFailure()
		}
		if critical {
			m.enqueueCritical(clientID, msg)
		}
		state.MarkDisconnected()
		m.logger.Warn().
			Err(err).
			Str("client_id", clientID).
			Bool("critical", critical).
			Msg("Send failed, connection marked disconnected")
		return false
	}

	state.Touch()
	state.ResetRetries()
	m.metrics.MessageSent(clientID, time.Since(start))
	if m.breaker != nil {
		m.breaker.OnSuccess()
	}
	return true
}

func (m *Manager) enqueueCritical(clientID string, msg map[string]any) {
	if !m.queue.Enqueue(clientID, msg) {
		m.metrics.QueueOverflow(clientID)
	}
	m.metrics.MessageQueued(clientID)
}

// QueuedFor returns the number of pending messages for a client.
func (m *Manager) QueuedFor(clientID string) int {
	return m.queue.SizeFor(clientID)
}

// ShuttingDown reports whether graceful shutdown has begun; new connections
// should be refused once it has.
func (m *Manager) ShuttingDown() bool {
	return atomic.LoadInt32(&m.shuttingDown) == 1
}

// Shutdown drains pending queues, closes connections, and stops the
// background workers.
func (m *Manager) Shutdown(timeout time.Duration, flushPending, closeConnections bool) ShutdownStats {
	start := time.Now()
	atomic.StoreInt32(&m.shuttingDown, 1)
	stats := ShutdownStats{}

	if flushPending {
		flushBudget := time.Duration(float64(timeout) * 0.7)
		if flushBudget > 20*time.Second {
			flushBudget = 20 * time.Second
		}
		stats.PendingMessagesFlushed, stats.PendingMessagesDropped = m.flushPending(flushBudget)
	}

	if closeConnections {
		m.mu.Lock()
		states := make([]*ConnectionState, 0, len(m.conns))
		for _, s := range m.conns {
			states = append(states, s)
		}
		m.mu.Unlock()

		for _, s := range states {
			if s.Disconnected() {
				continue
			}
			if err := s.Conn.Close(StatusGoingAway, "Server shutting down"); err != nil {
				m.logger.Debug().Err(err).Str("client_id", s.ClientID).Msg("Close failed during shutdown")
			}
			stats.ConnectionsClosed++
		}
	}

	stats.BackgroundTasksStopped = m.tasks.Stop()

	m.mu.Lock()
	m.conns = make(map[string]*ConnectionState)
	m.mu.Unlock()
	m.dedup.Clear()
	stats.MetricsCleaned = true

	stats.DurationSeconds = time.Since(start).Seconds()
	m.logger.Info().
		Int("flushed", stats.PendingMessagesFlushed).
		Int("dropped", stats.PendingMessagesDropped).
		Int("connections_closed", stats.ConnectionsClosed).
		Float64("duration_seconds", stats.DurationSeconds).
		Msg("Transport shutdown complete")
	return stats
}

// flushPending makes one final delivery attempt per queued message within the
// deadline. Messages still queued when the deadline passes count as dropped.
func (m *Manager) flushPending(budget time.Duration) (flushed, dropped int) {
	deadline := time.Now().Add(budget)

	for _, clientID := range m.queue.ClientIDs() {
		state := m.Connection(clientID)
		for {
			if time.Now().After(deadline) {
				dropped += m.queue.TotalSize()
				return flushed, dropped
			}
			msg := m.queue.Dequeue(clientID)
			if msg == nil {
				break
			}
			if state == nil || state.Disconnected() {
				dropped++
				continue
			}
			data, err := json.Marshal(msg.Payload)
			if err != nil {
				dropped++
				continue
			}
			if err := state.Conn.Write(data); err != nil {
				state.MarkDisconnected()
				dropped++
				continue
			}
			flushed++
		}
	}
	return flushed, dropped
}
