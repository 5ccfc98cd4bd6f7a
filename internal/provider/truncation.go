package provider

import "github.com/rs/zerolog"

// Finish reasons the engine distinguishes. From the continuation engine's
// perspective anything but "length" is a completed response.
const (
	FinishLength        = "length"
	FinishStop          = "stop"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// TruncationDetector classifies provider responses. It never returns errors;
// malformed responses are treated as complete and logged.
type TruncationDetector struct {
	logger zerolog.Logger
}

// NewTruncationDetector creates a detector.
func NewTruncationDetector(logger zerolog.Logger) *TruncationDetector {
	return &TruncationDetector{logger: logger}
}

// IsTruncated reports whether the response was cut off by the provider's
// output token limit.
func (d *TruncationDetector) IsTruncated(resp *ChatResponse) bool {
	if resp == nil || len(resp.Choices) == 0 {
		d.logger.Warn().Msg("Response missing choices, treating as complete")
		return false
	}
	switch resp.Choices[0].FinishReason {
	case FinishLength:
		return true
	case FinishStop, FinishToolCalls, FinishContentFilter:
		return false
	default:
		d.logger.Debug().
			Str("finish_reason", resp.Choices[0].FinishReason).
			Msg("Unrecognized finish_reason, treating as complete")
		return false
	}
}

// TotalTokens extracts the token count from the usage block, falling back to
// prompt plus completion tokens, then zero.
func (d *TruncationDetector) TotalTokens(resp *ChatResponse) int {
	if resp == nil || resp.Usage == nil {
		return 0
	}
	if resp.Usage.TotalTokens > 0 {
		return resp.Usage.TotalTokens
	}
	return resp.Usage.PromptTokens + resp.Usage.CompletionTokens
}
