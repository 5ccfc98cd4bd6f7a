package metrics

import "time"

// Wrapper is the instrumentation facade the transport and provider layers
// call. Every event hits the exact Prometheus counters; reliability events
// (failures, retries, breaker trips, overflows) are additionally fed to the
// sampled pipeline as critical so their estimated counts stay exact.
type Wrapper struct {
	pipeline *ProductionMetrics
}

// NewWrapper wraps the sampled pipeline. A nil pipeline disables the sampled
// side; Prometheus counters are still updated.
func NewWrapper(pipeline *ProductionMetrics) *Wrapper {
	return &Wrapper{pipeline: pipeline}
}

func (w *Wrapper) record(t Type, clientID string, critical bool) {
	if w.pipeline != nil {
		w.pipeline.Record(t, 1, clientID, critical)
	}
}

// ConnectionOpened records a new client connection.
func (w *Wrapper) ConnectionOpened(clientID string) {
	connectionsTotal.Inc()
	connectionsActive.Inc()
	w.record(TypeConnectionOpened, clientID, false)
}

// ConnectionClosed records a client disconnect.
func (w *Wrapper) ConnectionClosed(clientID string) {
	connectionsActive.Dec()
	w.record(TypeConnectionClosed, clientID, false)
}

// MessageSent records a successful write and its latency.
func (w *Wrapper) MessageSent(clientID string, latency time.Duration) {
	messagesSent.Inc()
	sendLatency.Observe(latency.Seconds())
	w.record(TypeMessageSent, clientID, false)
}

// MessageFailed records a failed write.
func (w *Wrapper) MessageFailed(clientID string) {
	messagesFailed.Inc()
	w.record(TypeMessageFailed, clientID, true)
}

// MessageQueued records a critical message queued for retry.
func (w *Wrapper) MessageQueued(clientID string) {
	messagesQueued.Inc()
	w.record(TypeMessageQueued, clientID, false)
}

// MessageDeduplicated records a suppressed duplicate send.
func (w *Wrapper) MessageDeduplicated(clientID string) {
	messagesDeduplicated.Inc()
	w.record(TypeMessageDeduplicated, clientID, false)
}

// RetryAttempt records one delivery retry of a queued message.
func (w *Wrapper) RetryAttempt(clientID string) {
	retryAttempts.Inc()
	w.record(TypeRetryAttempt, clientID, false)
}

// RetrySuccess records a queued message delivered on retry.
func (w *Wrapper) RetrySuccess(clientID string) {
	retrySuccesses.Inc()
	w.record(TypeRetrySuccess, clientID, false)
}

// RetryFailure records a queued message discarded after exhausting retries.
func (w *Wrapper) RetryFailure(clientID string) {
	retryFailures.Inc()
	w.record(TypeRetryFailure, clientID, true)
}

// QueueOverflow records a pending-queue overflow where the oldest message was
// dropped.
func (w *Wrapper) QueueOverflow(clientID string) {
	queueOverflows.Inc()
	w.record(TypeQueueOverflow, clientID, true)
}

// BreakerOpened records a circuit breaker tripping open.
func (w *Wrapper) BreakerOpened(name string) {
	breakerOpens.WithLabelValues(name).Inc()
	w.record(TypeBreakerOpen, name, true)
}

// BreakerClosed records a circuit breaker recovering to closed.
func (w *Wrapper) BreakerClosed(name string) {
	breakerCloses.WithLabelValues(name).Inc()
	w.record(TypeBreakerClose, name, true)
}

// ProviderCall records a provider chat call.
func (w *Wrapper) ProviderCall(provider string) {
	w.record(TypeProviderCall, provider, false)
}

// ProviderTimeout records a provider call cancelled by its deadline.
func (w *Wrapper) ProviderTimeout(provider string) {
	w.record(TypeProviderTimeout, provider, true)
}

// ContinuationAttempt records a truncation continuation call.
func (w *Wrapper) ContinuationAttempt(provider string) {
	continuationAttempts.Inc()
	w.record(TypeContinuationAttempt, provider, false)
}

// ConversationPersisted records a conversation update written to the sink.
func (w *Wrapper) ConversationPersisted(conversationID string) {
	w.record(TypeConversationPersist, conversationID, false)
}
