// Package transport implements the resilient WebSocket delivery layer:
// per-client pending queues, connection-scoped deduplication, a circuit
// breaker on sends, and the background retry and cleanup workers.
package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// QueuedMessage is a critical message held for retry after a failed or
// breaker-rejected send.
type QueuedMessage struct {
	Payload       map[string]any
	EnqueuedAt    time.Time
	TTL           time.Duration
	RetryCount    int
	NextAttemptAt time.Time
}

// Expired reports whether the message has outlived its TTL.
func (m *QueuedMessage) Expired(now time.Time) bool {
	return now.Sub(m.EnqueuedAt) > m.TTL
}

// MessageQueue holds per-client bounded FIFO queues of pending messages.
// A single mutex serializes all operations; enqueue and dequeue are O(1) so
// contention stays low, and one lock keeps overflow accounting and the retry
// scan simple.
type MessageQueue struct {
	mu      sync.Mutex
	queues  map[string][]*QueuedMessage
	maxSize int
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewMessageQueue creates a queue with the given per-client capacity and
// message TTL.
func NewMessageQueue(maxSize int, ttl time.Duration, logger zerolog.Logger) *MessageQueue {
	return &MessageQueue{
		queues:  make(map[string][]*QueuedMessage),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
	}
}

// Enqueue appends a message to the client's queue. When the queue is full the
// oldest entry is dropped to make room, so the most recent criticals survive.
// Returns false when an overflow drop occurred.
func (q *MessageQueue) Enqueue(clientID string, payload map[string]any) bool {
	return q.push(clientID, &QueuedMessage{
		Payload:    payload,
		EnqueuedAt: time.Now(),
		TTL:        q.ttl,
	})
}

// Requeue puts a previously dequeued message back at the tail, preserving its
// retry state.
func (q *MessageQueue) Requeue(clientID string, msg *QueuedMessage) bool {
	return q.push(clientID, msg)
}

func (q *MessageQueue) push(clientID string, msg *QueuedMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[clientID]
	overflow := false
	if len(queue) >= q.maxSize {
		queue = queue[1:]
		overflow = true
		q.logger.Warn().
			Str("client_id", clientID).
			Int("max_size", q.maxSize).
			Msg("Pending queue full, dropped oldest message")
	}
	q.queues[clientID] = append(queue, msg)
	return !overflow
}

// Dequeue removes and returns the oldest non-expired message for the client,
// discarding expired entries along the way. Returns nil when the queue is
// empty.
func (q *MessageQueue) Dequeue(clientID string) *QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	queue := q.queues[clientID]
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		if msg.Expired(now) {
			continue
		}
		if len(queue) == 0 {
			delete(q.queues, clientID)
		} else {
			q.queues[clientID] = queue
		}
		return msg
	}
	delete(q.queues, clientID)
	return nil
}

// CleanupExpired removes expired messages from every queue and returns how
// many were dropped. Emptied queues are removed from the map.
func (q *MessageQueue) CleanupExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	removed := 0
	for clientID, queue := range q.queues {
		kept := queue[:0]
		for _, msg := range queue {
			if msg.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(q.queues, clientID)
		} else {
			q.queues[clientID] = kept
		}
	}
	return removed
}

// SizeFor returns the number of pending messages for a client.
func (q *MessageQueue) SizeFor(clientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[clientID])
}

// TotalSize returns the number of pending messages across all clients.
func (q *MessageQueue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}

// ClientIDs returns the clients that currently have pending messages.
func (q *MessageQueue) ClientIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.queues))
	for clientID := range q.queues {
		ids = append(ids, clientID)
	}
	return ids
}
