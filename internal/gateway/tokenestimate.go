package gateway

import (
	"strings"

	"github.com/tidwall/gjson"
)

// approxCharsPerToken is the widely-used heuristic for GPT-family BPE
// tokenizers (~4 characters per token for English text) used here because no
// BPE/tiktoken-equivalent library exists anywhere in the retrieval pack — see
// DESIGN.md. Swap this one constant/function out first if a real tokenizer
// becomes available.
const approxCharsPerToken = 4

// EstimateTokens approximates a BPE token count for text.
func EstimateTokens(text string) int64 {
	n := len([]rune(strings.TrimSpace(text)))
	if n == 0 {
		return 0
	}
	return int64((n + approxCharsPerToken - 1) / approxCharsPerToken)
}

// collectContentText recursively extracts human-readable text from a JSON
// value, ported from token_estimator.rs's collect_content_text: strings
// contribute directly, arrays recurse element-wise, objects are searched for
// text/content/input/message keys.
func collectContentText(v gjson.Result, out *strings.Builder) {
	switch {
	case v.Type == gjson.String:
		out.WriteString(v.String())
		out.WriteByte('\n')
	case v.IsArray():
		v.ForEach(func(_, item gjson.Result) bool {
			collectContentText(item, out)
			return true
		})
	case v.IsObject():
		for _, key := range []string{"text", "content", "input", "message"} {
			if field := v.Get(key); field.Exists() {
				collectContentText(field, out)
			}
		}
	}
}

// EstimateInputTokens walks a request body per its protocol shape and
// estimates the input token count, ported from token_estimator.rs's
// estimate_input_tokens.
func EstimateInputTokens(shape RequestShape, body []byte) int64 {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return 0
	}
	parsed := gjson.ParseBytes(body)
	var sb strings.Builder
	switch shape {
	case ShapeResponses:
		collectContentText(parsed.Get("instructions"), &sb)
		collectContentText(parsed.Get("input"), &sb)
		collectContentText(parsed.Get("messages"), &sb)
	case ShapeChatCompletions:
		collectContentText(parsed.Get("messages"), &sb)
		collectContentText(parsed.Get("prompt"), &sb)
		collectContentText(parsed.Get("system"), &sb)
	case ShapeMessages:
		collectContentText(parsed.Get("system"), &sb)
		collectContentText(parsed.Get("messages"), &sb)
	default:
		collectContentText(parsed, &sb)
	}
	return EstimateTokens(sb.String())
}

// EstimateOutputTokens estimates the output token count for a (non-streamed)
// response's plain text, ported from token_estimator.rs's
// estimate_output_tokens.
func EstimateOutputTokens(text string) int64 {
	return EstimateTokens(text)
}
