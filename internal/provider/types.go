// Package provider implements the session and continuation engine around
// upstream chat-completion calls: per-call sessions with enforced timeouts,
// truncation detection and transparent continuation, provider header
// shaping, and the context-cache token store.
package provider

import "encoding/json"

// ChatMessage is one message of an OpenAI-compatible chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseMessage is the assistant message of a chat response.
type ResponseMessage struct {
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
}

// Choice is one completion choice; the engine only reads choices[0].
type Choice struct {
	FinishReason string          `json:"finish_reason"`
	Message      ResponseMessage `json:"message"`
}

// Usage is the token accounting block of a chat response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the provider response shape consumed by the engine.
// Metadata is engine-added context, not part of the provider wire format.
type ChatResponse struct {
	ID       string         `json:"id,omitempty"`
	Model    string         `json:"model,omitempty"`
	Choices  []Choice       `json:"choices"`
	Usage    *Usage         `json:"usage,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Content returns choices[0].message.content, or "" when the structure is
// missing.
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}
