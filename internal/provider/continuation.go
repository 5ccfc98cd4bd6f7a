package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Zazzles2908/exai-gateway/internal/metrics"
)

// Continuation prompt excerpt lengths.
const (
	contextExcerptLen = 200
	tailExcerptLen    = 100
)

// ProviderFunc makes one chat call. It must honor ctx cancellation.
type ProviderFunc func(ctx context.Context, messages []ChatMessage) (*ChatResponse, error)

// ContinuationConfig bounds the continuation loop.
type ContinuationConfig struct {
	MaxAttempts    int
	MaxTotalTokens int
	BackoffDelays  []time.Duration
}

// DefaultContinuationConfig returns the standard continuation budgets.
func DefaultContinuationConfig() ContinuationConfig {
	return ContinuationConfig{
		MaxAttempts:    3,
		MaxTotalTokens: 32000,
		BackoffDelays:  []time.Duration{0, time.Second, 2 * time.Second},
	}
}

// ContinuationSession accumulates the chunks of one truncated response while
// the manager stitches it back together. Created on first truncation,
// discarded when the merged response is returned.
type ContinuationSession struct {
	ID               string
	MaxTotalTokens   int
	MaxAttempts      int
	CumulativeTokens int
	AttemptCount     int
	Chunks           []string
}

// Add appends a chunk and its token cost to the session.
func (s *ContinuationSession) Add(chunk string, tokens int) {
	s.Chunks = append(s.Chunks, chunk)
	s.CumulativeTokens += tokens
}

// LastChunk returns the most recent chunk, or "".
func (s *ContinuationSession) LastChunk() string {
	if len(s.Chunks) == 0 {
		return ""
	}
	return s.Chunks[len(s.Chunks)-1]
}

// ShouldContinue decides whether another continuation round is worthwhile
// given a candidate chunk, returning the stop reason when not.
func (s *ContinuationSession) ShouldContinue(newChunk string, newTokens int) (bool, string) {
	if s.AttemptCount >= s.MaxAttempts {
		return false, "max attempts reached"
	}
	if s.CumulativeTokens+newTokens >= s.MaxTotalTokens {
		return false, "token budget exhausted"
	}
	trimmed := strings.TrimSpace(newChunk)
	if trimmed == strings.TrimSpace(s.LastChunk()) {
		return false, "no progress"
	}
	if trimmed == "" {
		return false, "empty response"
	}
	return true, ""
}

// ContinuationResult is the merged outcome of a continuation run.
type ContinuationResult struct {
	CompleteResponse string
	IsComplete       bool
	AttemptsMade     int
	TotalTokensUsed  int
	WasTruncated     bool
	Metadata         map[string]any
}

// ContinuationManager drives the continuation loop for truncated responses.
type ContinuationManager struct {
	config   ContinuationConfig
	detector *TruncationDetector
	logger   zerolog.Logger
	metrics  *metrics.Wrapper

	mu       sync.Mutex
	sessions map[string]*ContinuationSession
}

// NewContinuationManager creates a manager with the given budgets.
func NewContinuationManager(config ContinuationConfig, mw *metrics.Wrapper, logger zerolog.Logger) *ContinuationManager {
	def := DefaultContinuationConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.MaxTotalTokens <= 0 {
		config.MaxTotalTokens = def.MaxTotalTokens
	}
	if len(config.BackoffDelays) == 0 {
		config.BackoffDelays = def.BackoffDelays
	}
	return &ContinuationManager{
		config:   config,
		detector: NewTruncationDetector(logger),
		logger:   logger,
		metrics:  mw,
		sessions: make(map[string]*ContinuationSession),
	}
}

// SessionCount returns the number of in-flight continuation sessions.
func (m *ContinuationManager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run inspects the initial response and, if it was truncated, issues
// continuation calls until the response completes or a budget is exhausted.
// The merged result always carries whatever content was captured, including
// on error paths.
func (m *ContinuationManager) Run(ctx context.Context, provider string, originalMessages []ChatMessage, initial *ChatResponse, call ProviderFunc) (*ContinuationResult, error) {
	session := &ContinuationSession{
		ID:             fmt.Sprintf("cont_%d", time.Now().UnixMilli()),
		MaxTotalTokens: m.config.MaxTotalTokens,
		MaxAttempts:    m.config.MaxAttempts,
	}
	session.Add(initial.Content(), m.detector.TotalTokens(initial))

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, session.ID)
		m.mu.Unlock()
	}()

	if !m.detector.IsTruncated(initial) {
		return m.result(session, true, false), nil
	}

	m.logger.Info().
		Str("session_id", session.ID).
		Str("provider", provider).
		Int("initial_tokens", session.CumulativeTokens).
		Msg("Response truncated, starting continuation")

	complete := false
	for session.AttemptCount < session.MaxAttempts {
		if err := m.backoff(ctx, session.AttemptCount); err != nil {
			return m.result(session, false, true), err
		}

		messages := m.continuationMessages(originalMessages, session)
		m.metrics.ContinuationAttempt(provider)

		resp, err := call(ctx, messages)
		if err != nil {
			session.AttemptCount++
			m.logger.Warn().
				Err(err).
				Str("session_id", session.ID).
				Int("attempt", session.AttemptCount).
				Msg("Continuation call failed, returning partial content")
			return m.result(session, false, true), err
		}

		chunk := resp.Content()
		tokens := m.detector.TotalTokens(resp)
		ok, reason := session.ShouldContinue(chunk, tokens)
		session.AttemptCount++
		if !ok {
			m.logger.Info().
				Str("session_id", session.ID).
				Str("reason", reason).
				Int("attempts", session.AttemptCount).
				Msg("Continuation stopped")
			break
		}
		session.Add(chunk, tokens)

		if !m.detector.IsTruncated(resp) {
			complete = true
			break
		}
	}

	return m.result(session, complete, true), nil
}

func (m *ContinuationManager) backoff(ctx context.Context, attempt int) error {
	idx := attempt
	if idx >= len(m.config.BackoffDelays) {
		idx = len(m.config.BackoffDelays) - 1
	}
	delay := m.config.BackoffDelays[idx]
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// continuationMessages builds the follow-up conversation: the original
// messages, the partial assistant response so far, and a user prompt asking
// the provider to resume.
func (m *ContinuationManager) continuationMessages(original []ChatMessage, session *ContinuationSession) []ChatMessage {
	last := session.LastChunk()
	prompt := fmt.Sprintf(
		"Please continue your previous response. Context: you were responding to '%s'. Your last response was truncated at '…%s'. Continue from where you left off.",
		headExcerpt(lastUserContent(original), contextExcerptLen),
		tailExcerpt(last, tailExcerptLen),
	)

	messages := make([]ChatMessage, 0, len(original)+2)
	messages = append(messages, original...)
	messages = append(messages,
		ChatMessage{Role: "assistant", Content: last},
		ChatMessage{Role: "user", Content: prompt},
	)
	return messages
}

func (m *ContinuationManager) result(session *ContinuationSession, complete, wasTruncated bool) *ContinuationResult {
	return &ContinuationResult{
		CompleteResponse: strings.Join(session.Chunks, ""),
		IsComplete:       complete,
		AttemptsMade:     session.AttemptCount,
		TotalTokensUsed:  session.CumulativeTokens,
		WasTruncated:     wasTruncated,
		Metadata: map[string]any{
			"session_id": session.ID,
			"chunks":     len(session.Chunks),
		},
	}
}

func lastUserContent(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func headExcerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func tailExcerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
