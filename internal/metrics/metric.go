// Package metrics implements the sampled, lock-light metrics pipeline:
// a fixed-capacity ring buffer fed by an adaptive sampler and drained by a
// single background flush worker. Aggregated counters and the pipeline's own
// meta-metrics are exported through Prometheus.
//
// Hot-path budget: one sampler check plus one ring append, well under a
// microsecond, so instrumentation stays below 5% CPU at high message rates.
package metrics

import "time"

// Type identifies what a sampled event measures.
type Type uint8

const (
	TypeMessageSent Type = iota + 1
	TypeMessageFailed
	TypeMessageQueued
	TypeMessageDeduplicated
	TypeConnectionOpened
	TypeConnectionClosed
	TypeRetryAttempt
	TypeRetrySuccess
	TypeRetryFailure
	TypeBreakerOpen
	TypeBreakerClose
	TypeQueueOverflow
	TypeProviderCall
	TypeProviderTimeout
	TypeContinuationAttempt
	TypeConversationPersist
)

var typeNames = map[Type]string{
	TypeMessageSent:         "messages.sent",
	TypeMessageFailed:       "messages.failed",
	TypeMessageQueued:       "messages.queued",
	TypeMessageDeduplicated: "messages.deduplicated",
	TypeConnectionOpened:    "connections.opened",
	TypeConnectionClosed:    "connections.closed",
	TypeRetryAttempt:        "retry.attempts",
	TypeRetrySuccess:        "retry.successes",
	TypeRetryFailure:        "retry.failures",
	TypeBreakerOpen:         "circuit_breaker.opens",
	TypeBreakerClose:        "circuit_breaker.closes",
	TypeQueueOverflow:       "queue.overflows",
	TypeProviderCall:        "provider.calls",
	TypeProviderTimeout:     "provider.timeouts",
	TypeContinuationAttempt: "continuation.attempts",
	TypeConversationPersist: "conversation.persisted",
}

// Name returns the aggregation key for the type.
func (t Type) Name() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// CompactMetric is a single sampled event. Created under the sampler, pushed
// to the ring buffer, consumed exactly once by the flush worker, then
// discarded.
type CompactMetric struct {
	Timestamp float64 // unix seconds
	Type      Type
	Value     float64
	ClientID  string
	Critical  bool // recorded unsampled; weighted 1.0 at flush
}

// now returns the current time as unix seconds with sub-second precision.
func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
