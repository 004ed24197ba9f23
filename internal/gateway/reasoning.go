package gateway

import "strings"

// NormalizeReasoningEffort ports gpttools-service/src/reasoning_effort.rs:
// low/medium/high/xhigh pass through unchanged, extra_high maps to xhigh,
// anything else is dropped (nil, not an error — reasoning_effort is always
// best-effort metadata, never a required field).
func NormalizeReasoningEffort(raw string) *ReasoningEffort {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		v := ReasoningLow
		return &v
	case "medium":
		v := ReasoningMedium
		return &v
	case "high":
		v := ReasoningHigh
		return &v
	case "xhigh", "extra_high":
		v := ReasoningXHigh
		return &v
	default:
		return nil
	}
}
