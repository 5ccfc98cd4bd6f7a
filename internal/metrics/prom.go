package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the gateway. Scraped at /metrics and visualized
// in Grafana.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_connections_total",
		Help: "Total number of WebSocket connections registered",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_messages_sent_total",
		Help: "Total number of messages written to clients",
	})

	messagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_messages_failed_total",
		Help: "Total number of message writes that failed",
	})

	messagesQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_messages_queued_total",
		Help: "Total number of critical messages queued for retry",
	})

	messagesDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_messages_deduplicated_total",
		Help: "Total number of duplicate sends suppressed",
	})

	sendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gw_send_latency_seconds",
		Help:    "WebSocket write latency",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// Retry metrics
	retryAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_retry_attempts_total",
		Help: "Total number of queued-message retry attempts",
	})

	retrySuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_retry_successes_total",
		Help: "Total number of queued messages delivered on retry",
	})

	retryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_retry_failures_total",
		Help: "Total number of queued messages discarded after max retries",
	})

	queueOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_queue_overflows_total",
		Help: "Total number of pending-queue overflows (oldest dropped)",
	})

	// Circuit breaker metrics
	breakerOpens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_circuit_breaker_opens_total",
		Help: "Circuit breaker transitions to open, by breaker name",
	}, []string{"breaker"})

	breakerCloses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_circuit_breaker_closes_total",
		Help: "Circuit breaker transitions to closed, by breaker name",
	}, []string{"breaker"})

	// Provider metrics
	providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_provider_calls_total",
		Help: "Provider chat calls, by provider and outcome",
	}, []string{"provider", "outcome"})

	providerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gw_provider_call_duration_seconds",
		Help:    "Provider call duration including continuations",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 25, 60, 120},
	}, []string{"provider"})

	continuationAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_continuation_attempts_total",
		Help: "Total truncation continuation attempts issued",
	})

	// Conversation persistence metrics
	conversationProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_conversation_processed_total",
		Help: "Total conversation updates persisted",
	})

	conversationDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_conversation_dropped_total",
		Help: "Total conversation updates dropped on full queue",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_memory_bytes",
		Help: "Current process RSS in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_goroutines_active",
		Help: "Current number of goroutines",
	})
)

// meta holds the always-on gauges describing the sampled pipeline itself.
// These are never sampled.
var meta = struct {
	bufferSize     prometheus.Gauge
	fillRatio      prometheus.Gauge
	metricsAdded   prometheus.Gauge
	metricsDropped prometheus.Gauge
	flushCount     prometheus.Gauge
	sampleRate     prometheus.Gauge
}{
	bufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_metrics_buffer_size",
		Help: "Current number of buffered metric samples",
	}),
	fillRatio: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_metrics_fill_ratio",
		Help: "Ring buffer occupancy divided by capacity",
	}),
	metricsAdded: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_metrics_added_total",
		Help: "Total metric samples appended to the ring buffer",
	}),
	metricsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_metrics_dropped_total",
		Help: "Total metric samples overwritten before flush",
	}),
	flushCount: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_metrics_flush_count",
		Help: "Total flush cycles completed",
	}),
	sampleRate: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_metrics_sample_rate",
		Help: "Current adaptive sampling rate",
	}),
}

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesFailed)
	prometheus.MustRegister(messagesQueued)
	prometheus.MustRegister(messagesDeduplicated)
	prometheus.MustRegister(sendLatency)

	prometheus.MustRegister(retryAttempts)
	prometheus.MustRegister(retrySuccesses)
	prometheus.MustRegister(retryFailures)
	prometheus.MustRegister(queueOverflows)

	prometheus.MustRegister(breakerOpens)
	prometheus.MustRegister(breakerCloses)

	prometheus.MustRegister(providerCalls)
	prometheus.MustRegister(providerCallDuration)
	prometheus.MustRegister(continuationAttempts)

	prometheus.MustRegister(conversationProcessed)
	prometheus.MustRegister(conversationDropped)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(meta.bufferSize)
	prometheus.MustRegister(meta.fillRatio)
	prometheus.MustRegister(meta.metricsAdded)
	prometheus.MustRegister(meta.metricsDropped)
	prometheus.MustRegister(meta.flushCount)
	prometheus.MustRegister(meta.sampleRate)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSystemStats updates the process-level gauges; called by the gateway's
// system monitor.
func SetSystemStats(rssBytes uint64, cpuPercent float64, goroutines int) {
	memoryUsageBytes.Set(float64(rssBytes))
	cpuUsagePercent.Set(cpuPercent)
	goroutinesActive.Set(float64(goroutines))
}

// RecordProviderCall records a provider call outcome and duration.
func RecordProviderCall(provider, outcome string, seconds float64) {
	providerCalls.WithLabelValues(provider, outcome).Inc()
	providerCallDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordConversationProcessed increments the persisted-update counter.
func RecordConversationProcessed() {
	conversationProcessed.Inc()
}

// RecordConversationDropped increments the dropped-update counter.
func RecordConversationDropped() {
	conversationDropped.Inc()
}
