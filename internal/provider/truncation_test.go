package provider

import (
	"testing"

	"github.com/rs/zerolog"
)

func resp(finishReason, content string, usage *Usage) *ChatResponse {
	return &ChatResponse{
		Choices: []Choice{{FinishReason: finishReason, Message: ResponseMessage{Content: content}}},
		Usage:   usage,
	}
}

func TestIsTruncated(t *testing.T) {
	d := NewTruncationDetector(zerolog.Nop())

	tests := []struct {
		name string
		resp *ChatResponse
		want bool
	}{
		{"length is truncated", resp(FinishLength, "partial", nil), true},
		{"stop is complete", resp(FinishStop, "done", nil), false},
		{"tool_calls is complete", resp(FinishToolCalls, "", nil), false},
		{"content_filter is complete", resp(FinishContentFilter, "", nil), false},
		{"unknown reason is complete", resp("weird", "", nil), false},
		{"nil response is complete", nil, false},
		{"no choices is complete", &ChatResponse{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsTruncated(tt.resp); got != tt.want {
				t.Errorf("IsTruncated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTotalTokens(t *testing.T) {
	d := NewTruncationDetector(zerolog.Nop())

	tests := []struct {
		name string
		resp *ChatResponse
		want int
	}{
		{"total_tokens wins", resp(FinishStop, "", &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}), 15},
		{"fallback to sum", resp(FinishStop, "", &Usage{PromptTokens: 10, CompletionTokens: 5}), 15},
		{"no usage", resp(FinishStop, "", nil), 0},
		{"nil response", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.TotalTokens(tt.resp); got != tt.want {
				t.Errorf("TotalTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}
