// Package gateway wires the subsystems into the HTTP/WebSocket surface:
// connection admission, the inbound message loop, provider chat execution
// with breaker and continuation handling, and health/metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/Zazzles2908/exai-gateway/internal/breaker"
	"github.com/Zazzles2908/exai-gateway/internal/config"
	"github.com/Zazzles2908/exai-gateway/internal/conversation"
	"github.com/Zazzles2908/exai-gateway/internal/logging"
	"github.com/Zazzles2908/exai-gateway/internal/metrics"
	"github.com/Zazzles2908/exai-gateway/internal/provider"
	"github.com/Zazzles2908/exai-gateway/internal/transport"
)

const semaphoreWait = 5 * time.Second

// RegisteredProvider is one upstream chat backend.
type RegisteredProvider struct {
	Name    string
	Call    provider.ProviderFunc
	Timeout time.Duration
}

// Server owns every subsystem and the HTTP surface.
type Server struct {
	config *config.Config
	logger zerolog.Logger

	transport *transport.Manager
	breakers  *breaker.Manager
	pipeline  *metrics.ProductionMetrics
	wrapper   *metrics.Wrapper
	executor  *provider.SessionExecutor
	continuer *provider.ContinuationManager
	convQueue *conversation.Queue
	natsSink  *conversation.NATSSink
	limiter   *RateLimiter
	sysmon    *SystemMonitor

	provMu    sync.RWMutex
	providers map[string]RegisteredProvider

	listener       net.Listener
	httpServer     *http.Server
	connectionsSem chan struct{}
	shuttingDown   int32 // atomic bool
	startedAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a server from configuration. A NATS sink is attached when
// NATS_URL is set; otherwise conversation updates are logged and discarded.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pipeline := metrics.NewProductionMetrics(metrics.ProductionConfig{
		SampleRate:       cfg.MetricsSampleRate,
		MinSampleRate:    cfg.MetricsMinSampleRate,
		MaxSampleRate:    cfg.MetricsMaxSampleRate,
		BufferSize:       cfg.MetricsBufferSize,
		FlushInterval:    cfg.MetricsFlushInterval,
		AdaptiveSampling: cfg.MetricsAdaptiveSampling,
	}, logger)
	wrapper := metrics.NewWrapper(pipeline)

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
	}, logger)
	breakers.OnStateChange(func(name string, from, to breaker.State) {
		switch to {
		case breaker.StateOpen:
			wrapper.BreakerOpened(name)
		case breaker.StateClosed:
			wrapper.BreakerClosed(name)
		}
	})

	tm := transport.NewManager(transport.Config{
		MaxQueueSize:       cfg.MaxQueueSize,
		MessageTTL:         cfg.MessageTTL,
		ConnectionTimeout:  cfg.ConnectionTimeout,
		MaxRetryAttempts:   cfg.MaxRetryAttempts,
		BaseRetryDelay:     cfg.BaseRetryDelay,
		MaxRetryDelay:      cfg.MaxRetryDelay,
		RetryCheckInterval: cfg.RetryCheckInterval,
		CleanupInterval:    cfg.CleanupInterval,
		DedupTTL:           cfg.DedupTTL,
	}, breakers.Get("websocket_connections"), wrapper, logger)

	s := &Server{
		config:         cfg,
		logger:         logger,
		transport:      tm,
		breakers:       breakers,
		pipeline:       pipeline,
		wrapper:        wrapper,
		executor:       provider.NewSessionExecutor(wrapper, logger),
		providers:      make(map[string]RegisteredProvider),
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		limiter:        NewRateLimiter(cfg.ClientMessageRate, cfg.ClientMessageBurst),
		ctx:            ctx,
		cancel:         cancel,
	}

	s.continuer = provider.NewContinuationManager(provider.ContinuationConfig{
		MaxAttempts:    cfg.ContinuationMaxAttempts,
		MaxTotalTokens: cfg.ContinuationMaxTokens,
		BackoffDelays:  cfg.ContinuationBackoffDelays,
	}, wrapper, logger)

	consumer := s.logOnlyConsumer
	if cfg.NATSURL != "" {
		sink, err := conversation.NewNATSSink(cfg.NATSURL, cfg.ConversationSubject, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("conversation sink: %w", err)
		}
		s.natsSink = sink
		consumer = sink.Persist
	}
	s.convQueue = conversation.NewQueue(cfg.ConversationQueueSize, cfg.ConversationWarnThreshold, consumer, logger)

	sysmon, err := NewSystemMonitor(cfg.MetricsInterval, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("System monitor unavailable")
	} else {
		s.sysmon = sysmon
	}

	tm.OnTimeout = func(clientID string) {
		s.limiter.Remove(clientID)
	}

	return s, nil
}

// RegisterProvider adds an upstream chat backend. Zero timeout selects the
// provider default from configuration.
func (s *Server) RegisterProvider(name string, call provider.ProviderFunc, timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.providerTimeout(name)
	}
	s.provMu.Lock()
	s.providers[name] = RegisteredProvider{Name: name, Call: call, Timeout: timeout}
	s.provMu.Unlock()
	s.logger.Info().Str("provider", name).Dur("timeout", timeout).Msg("Provider registered")
}

func (s *Server) providerTimeout(name string) time.Duration {
	switch name {
	case "kimi":
		return time.Duration(s.config.KimiSessionTimeout) * time.Second
	case "glm":
		return time.Duration(s.config.GLMTimeout) * time.Second
	default:
		return time.Duration(s.config.SimpleToolTimeout) * time.Second
	}
}

func (s *Server) provider(name string) (RegisteredProvider, bool) {
	s.provMu.RLock()
	defer s.provMu.RUnlock()
	p, ok := s.providers[name]
	return p, ok
}

// Start binds the listener and launches every background worker.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.startedAt = time.Now()

	s.pipeline.Start(s.ctx)
	s.transport.Start()
	s.convQueue.Start(s.ctx)
	if s.sysmon != nil {
		s.sysmon.Start(s.ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", s.config.Addr).
		Int("max_connections", s.config.MaxConnections).
		Msg("Gateway listening")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 || s.transport.ShuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	case <-time.After(semaphoreWait):
		s.logger.Warn().
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected, server at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	clientID := conn.RemoteAddr().String()
	s.transport.Register(clientID, transport.NewConn(conn))

	s.wg.Add(1)
	go s.readLoop(clientID, conn)
}

// readLoop consumes inbound frames for one client until it disconnects.
func (s *Server) readLoop(clientID string, conn net.Conn) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "clientReadLoop", map[string]any{"client_id": clientID})
	defer func() {
		s.transport.Unregister(clientID)
		s.limiter.Remove(clientID)
		conn.Close()
		<-s.connectionsSem
	}()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			s.logger.Debug().Err(err).Str("client_id", clientID).Msg("Read loop ended")
			return
		}

		switch op {
		case ws.OpText:
			if !s.limiter.Allow(clientID) {
				s.logger.Warn().
					Str("client_id", clientID).
					Float64("rate_per_sec", s.config.ClientMessageRate).
					Int("burst", s.config.ClientMessageBurst).
					Msg("Client rate limited")
				s.transport.Send(clientID, map[string]any{
					"type":    "error",
					"code":    "RATE_LIMIT_EXCEEDED",
					"message": "Too many messages, please slow down",
				}, false)
				continue
			}
			s.handleClientMessage(clientID, data)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) handleClientMessage(clientID string, data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Invalid client message")
		return
	}

	msgType, _ := msg["type"].(string)
	switch msgType {
	case "heartbeat":
		if state := s.transport.Connection(clientID); state != nil {
			state.Touch()
		}
		s.transport.Send(clientID, map[string]any{
			"type":      "heartbeat_ack",
			"timestamp": time.Now().UnixMilli(),
		}, false)

	case "chat":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer logging.RecoverPanic(s.logger, "chatHandler", map[string]any{"client_id": clientID})
			s.handleChat(clientID, msg)
		}()

	default:
		s.logger.Warn().
			Str("client_id", clientID).
			Str("type", msgType).
			Msg("Unknown message type")
	}
}

// handleChat executes one provider chat request end to end: breaker-guarded
// session execution, continuation of truncated responses, reply delivery, and
// async conversation persistence.
func (s *Server) handleChat(clientID string, msg map[string]any) {
	requestID, _ := msg["id"].(string)
	providerName, _ := msg["provider"].(string)
	model, _ := msg["model"].(string)
	conversationID, _ := msg["conversation_id"].(string)

	p, ok := s.provider(providerName)
	if !ok {
		s.sendError(clientID, requestID, "UNKNOWN_PROVIDER", fmt.Sprintf("provider %q is not registered", providerName))
		return
	}

	messages, err := chatMessages(msg["messages"])
	if err != nil {
		s.sendError(clientID, requestID, "INVALID_REQUEST", err.Error())
		return
	}

	cb := s.breakers.Get(providerName)
	opts := provider.DefaultExecuteOptions(p.Timeout)
	opts.RequestID = requestID

	var initial *provider.ChatResponse
	err = cb.Call(func() error {
		resp, execErr := s.executor.Execute(s.ctx, providerName, model, func(ctx context.Context) (*provider.ChatResponse, error) {
			return p.Call(ctx, messages)
		}, opts)
		if execErr != nil {
			return execErr
		}
		initial = resp
		return nil
	})
	if err != nil {
		code := "PROVIDER_ERROR"
		switch {
		case errors.Is(err, breaker.ErrOpen), errors.Is(err, breaker.ErrTooManyCalls):
			code = "PROVIDER_UNAVAILABLE"
		case errors.Is(err, provider.ErrSessionTimeout):
			code = "PROVIDER_TIMEOUT"
		}
		s.sendError(clientID, requestID, code, err.Error())
		return
	}

	// Follow-up continuation calls carry the same breaker and session
	// deadline as the initial call.
	continuationCall := func(ctx context.Context, msgs []provider.ChatMessage) (*provider.ChatResponse, error) {
		var resp *provider.ChatResponse
		callErr := cb.Call(func() error {
			r, execErr := s.executor.Execute(ctx, providerName, model, func(ctx context.Context) (*provider.ChatResponse, error) {
				return p.Call(ctx, msgs)
			}, provider.DefaultExecuteOptions(p.Timeout))
			if execErr != nil {
				return execErr
			}
			resp = r
			return nil
		})
		return resp, callErr
	}

	result, contErr := s.continuer.Run(s.ctx, providerName, messages, initial, continuationCall)
	if contErr != nil {
		s.logger.Warn().
			Err(contErr).
			Str("client_id", clientID).
			Str("provider", providerName).
			Msg("Continuation ended with error, delivering partial response")
	}

	var sessionMeta any
	if initial != nil && initial.Metadata != nil {
		sessionMeta = initial.Metadata["session"]
	}
	s.transport.Send(clientID, map[string]any{
		"id":       requestID,
		"type":     "chat_response",
		"provider": providerName,
		"model":    model,
		"content":  result.CompleteResponse,
		"complete": result.IsComplete,
		"metadata": map[string]any{
			"attempts_made":     result.AttemptsMade,
			"total_tokens_used": result.TotalTokensUsed,
			"was_truncated":     result.WasTruncated,
			"session":           sessionMeta,
		},
	}, true)

	if conversationID != "" {
		s.convQueue.Put(conversation.Update{
			ConversationID: conversationID,
			UpdateData: map[string]any{
				"request_id": requestID,
				"provider":   providerName,
				"model":      model,
				"content":    result.CompleteResponse,
				"complete":   result.IsComplete,
				"tokens":     result.TotalTokensUsed,
			},
			Timestamp: time.Now(),
		})
		s.wrapper.ConversationPersisted(conversationID)
	}
}

func (s *Server) sendError(clientID, requestID, code, message string) {
	s.transport.Send(clientID, map[string]any{
		"id":      requestID,
		"type":    "error",
		"code":    code,
		"message": message,
	}, false)
}

// chatMessages decodes the request's messages field into typed form.
func chatMessages(raw any) ([]provider.ChatMessage, error) {
	if raw == nil {
		return nil, fmt.Errorf("messages field is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid messages field: %w", err)
	}
	var messages []provider.ChatMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("invalid messages field: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages field is empty")
	}
	return messages, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	checks := make(map[string]any)

	checks["connections"] = map[string]any{
		"active": s.transport.ConnectionCount(),
		"max":    s.config.MaxConnections,
	}

	breakerStats := s.breakers.Stats()
	openBreakers := 0
	for _, st := range breakerStats {
		if st.State == "open" {
			openBreakers++
		}
	}
	checks["circuit_breakers"] = map[string]any{
		"registered": len(breakerStats),
		"open":       openBreakers,
	}

	if s.natsSink != nil {
		connected := s.natsSink.Connected()
		checks["nats"] = map[string]any{"connected": connected}
		if !connected {
			healthy = false
		}
	}
	checks["conversation_queue"] = s.convQueue.Metrics()
	checks["metrics_pipeline"] = map[string]any{
		"sample_rate": s.pipeline.SampleRate(),
	}
	if s.sysmon != nil {
		checks["system"] = s.sysmon.Snapshot()
	}

	status := "healthy"
	code := http.StatusOK
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	} else if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"checks":         checks,
	})
}

// Shutdown drains the gateway: stop accepting, flush pending messages, close
// connections, then stop every background worker.
func (s *Server) Shutdown(timeout time.Duration) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.logger.Info().Dur("timeout", timeout).Msg("Gateway shutdown started")

	stats := s.transport.Shutdown(timeout, true, true)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
		}
	}

	s.cancel()
	s.convQueue.Stop()
	if s.natsSink != nil {
		s.natsSink.Close()
	}
	if s.sysmon != nil {
		s.sysmon.Stop()
	}
	s.pipeline.Stop()
	s.wg.Wait()

	s.logger.Info().
		Int("pending_flushed", stats.PendingMessagesFlushed).
		Int("pending_dropped", stats.PendingMessagesDropped).
		Int("connections_closed", stats.ConnectionsClosed).
		Float64("duration_seconds", stats.DurationSeconds).
		Msg("Gateway shutdown complete")
	return nil
}

func (s *Server) logOnlyConsumer(_ context.Context, item conversation.Update) error {
	s.logger.Debug().
		Str("conversation_id", item.ConversationID).
		Msg("Conversation update discarded (no persistence sink configured)")
	return nil
}
