// Package conversation implements the async conversation-persistence path:
// a bounded in-memory queue with a single consumer, draining to a pluggable
// sink (NATS in production).
package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Zazzles2908/exai-gateway/internal/logging"
	"github.com/Zazzles2908/exai-gateway/internal/metrics"
)

// Update is one conversation persistence item.
type Update struct {
	ConversationID string         `json:"conversation_id"`
	UpdateData     map[string]any `json:"update_data"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ConsumerFunc persists one update. Errors are logged and counted; they never
// stop the consumer.
type ConsumerFunc func(ctx context.Context, item Update) error

// Metrics is a snapshot of queue counters.
type Metrics struct {
	Size           int   `json:"size"`
	TotalProcessed int64 `json:"total_processed"`
	TotalErrors    int64 `json:"total_errors"`
	TotalDropped   int64 `json:"total_dropped"`
}

// Queue is a bounded FIFO with drop-on-full semantics, replacing unbounded
// per-update workers with one consumer and natural back-pressure.
type Queue struct {
	items    chan Update
	consumer ConsumerFunc
	logger   zerolog.Logger

	maxSize       int
	warnThreshold int

	totalProcessed int64 // atomic
	totalErrors    int64 // atomic
	totalDropped   int64 // atomic

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue draining into consumer.
func NewQueue(maxSize, warnThreshold int, consumer ConsumerFunc, logger zerolog.Logger) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if warnThreshold <= 0 || warnThreshold > maxSize {
		warnThreshold = maxSize / 2
	}
	return &Queue{
		items:         make(chan Update, maxSize),
		consumer:      consumer,
		logger:        logger,
		maxSize:       maxSize,
		warnThreshold: warnThreshold,
	}
}

// Start launches the consumer goroutine.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.consume(ctx)
}

// Stop cancels the consumer, waits for it, and logs the final counters.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	q.logger.Info().
		Int64("total_processed", atomic.LoadInt64(&q.totalProcessed)).
		Int64("total_errors", atomic.LoadInt64(&q.totalErrors)).
		Int64("total_dropped", atomic.LoadInt64(&q.totalDropped)).
		Msg("Conversation queue stopped")
}

// Put enqueues an update without blocking. On a full queue the update is
// dropped and counted; persistence is best-effort by design.
func (q *Queue) Put(item Update) bool {
	select {
	case q.items <- item:
		if size := len(q.items); size >= q.warnThreshold {
			q.logger.Warn().
				Int("size", size).
				Int("threshold", q.warnThreshold).
				Str("conversation_id", item.ConversationID).
				Msg("Conversation queue above warning threshold")
		}
		return true
	default:
		atomic.AddInt64(&q.totalDropped, 1)
		metrics.RecordConversationDropped()
		q.logger.Warn().
			Str("conversation_id", item.ConversationID).
			Int("max_size", q.maxSize).
			Msg("Conversation queue full, update dropped")
		return false
	}
}

// Size returns the current queue depth.
func (q *Queue) Size() int {
	return len(q.items)
}

// Metrics returns a snapshot of the queue counters.
func (q *Queue) Metrics() Metrics {
	return Metrics{
		Size:           len(q.items),
		TotalProcessed: atomic.LoadInt64(&q.totalProcessed),
		TotalErrors:    atomic.LoadInt64(&q.totalErrors),
		TotalDropped:   atomic.LoadInt64(&q.totalDropped),
	}
}

func (q *Queue) consume(ctx context.Context) {
	defer q.wg.Done()
	defer logging.RecoverPanic(q.logger, "conversationConsumer", nil)

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			if err := q.consumer(ctx, item); err != nil {
				atomic.AddInt64(&q.totalErrors, 1)
				q.logger.Error().
					Err(err).
					Str("conversation_id", item.ConversationID).
					Msg("Conversation persist failed")
				continue
			}
			atomic.AddInt64(&q.totalProcessed, 1)
			metrics.RecordConversationProcessed()
		}
	}
}
