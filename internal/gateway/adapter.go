package gateway

import (
	"strings"

	apperrors "github.com/Wei-Shaw/sub2api/internal/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxInspectedBodyBytes bounds the best-effort JSON body inspection spec
// §4.7 describes ("bounded to 64 KiB").
const maxInspectedBodyBytes = 64 * 1024

// NormalizeModelsPath collapses the various client-side spellings of the
// models-list endpoint onto the canonical "/v1/models" (spec §4.7).
func NormalizeModelsPath(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		trimmed = "/"
	}
	if trimmed == "/models" || strings.HasSuffix(trimmed, "/models") {
		return "/v1/models"
	}
	return path
}

// RequestMetadata is RequestAdapter's best-effort extraction from an inspected
// request body (spec §4.7).
type RequestMetadata struct {
	IsStream          bool
	HasPromptCacheKey bool
	RequestShape      RequestShape
	Model             string
	ReasoningEffort   *ReasoningEffort
}

// ParseRequestMetadata inspects body (bounded to 64 KiB) and the incoming
// Accept header to derive RequestMetadata. For empty, unparsable or oversized
// bodies only the path-derived RequestShape and the Accept-header stream flag
// are filled in; the body-derived fields stay zero — this is advisory
// metadata, never a hard error (only AdaptRequestForProtocol can fail the
// request).
func ParseRequestMetadata(path string, body []byte, acceptHeader string) RequestMetadata {
	meta := RequestMetadata{RequestShape: requestShapeForPath(path)}
	if len(body) == 0 || len(body) > maxInspectedBodyBytes || !gjson.ValidBytes(body) {
		meta.IsStream = strings.Contains(strings.ToLower(acceptHeader), "text/event-stream")
		return meta
	}
	parsed := gjson.ParseBytes(body)
	if parsed.Get("stream").Bool() {
		meta.IsStream = true
	} else if strings.Contains(strings.ToLower(acceptHeader), "text/event-stream") {
		meta.IsStream = true
	}
	if cacheKey := parsed.Get("prompt_cache_key"); cacheKey.Exists() && strings.TrimSpace(cacheKey.String()) != "" {
		meta.HasPromptCacheKey = true
	}
	if model := parsed.Get("model"); model.Exists() {
		meta.Model = model.String()
	}
	if effort := parsed.Get("reasoning.effort"); effort.Exists() {
		meta.ReasoningEffort = NormalizeReasoningEffort(effort.String())
	}
	return meta
}

func requestShapeForPath(path string) RequestShape {
	switch {
	case strings.HasSuffix(path, "/v1/responses"):
		return ShapeResponses
	case strings.HasSuffix(path, "/v1/chat/completions"):
		return ShapeChatCompletions
	case strings.HasSuffix(path, "/v1/messages"):
		return ShapeMessages
	case strings.HasSuffix(path, "/v1/embeddings"):
		return ShapeEmbeddings
	case strings.HasSuffix(path, "/v1/models") || strings.HasSuffix(path, "/models"):
		return ShapeModels
	default:
		return ShapeOther
	}
}

// ApplyRequestOverrides injects an ApiKey's static model_slug and
// reasoning_effort into the request body, before protocol adaptation (spec
// §4.7 — overrides apply before adapt_request_for_protocol so that shape
// detection downstream isn't polluted by the override itself).
//
// modelOverride is applied unconditionally when non-empty. reasoningOverride
// is applied only for the two shapes that carry a top-level "reasoning"
// object (/v1/responses, /v1/chat/completions); it creates ".reasoning" as an
// object if absent, and coerces it to an object if the client sent it as a
// bare string (clients occasionally misencode this field).
func ApplyRequestOverrides(path string, body []byte, modelOverride *string, reasoningOverride *ReasoningEffort) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return body
	}
	out := body
	if modelOverride != nil && strings.TrimSpace(*modelOverride) != "" {
		if updated, err := sjson.SetBytes(out, "model", strings.TrimSpace(*modelOverride)); err == nil {
			out = updated
		}
	}
	if reasoningOverride != nil && (strings.HasSuffix(path, "/v1/responses") || strings.HasSuffix(path, "/v1/chat/completions")) {
		existing := gjson.GetBytes(out, "reasoning")
		if existing.Exists() && existing.Type == gjson.String {
			// Coerce a misencoded string "reasoning" into an object first.
			if cleared, err := sjson.DeleteBytes(out, "reasoning"); err == nil {
				out = cleared
			}
		}
		if updated, err := sjson.SetBytes(out, "reasoning.effort", string(*reasoningOverride)); err == nil {
			out = updated
		}
	}
	return out
}

// ResponseAdapterKind identifies the inverse transform, if any, RequestRecorder
// and the response-streaming path must apply to an upstream response body
// before it reaches the client (spec §4.7).
type ResponseAdapterKind string

const (
	ResponseAdapterNone             ResponseAdapterKind = ""
	ResponseAdapterAnthropicFromOpenAI ResponseAdapterKind = "anthropic_from_openai_chat_completions"
)

// AdaptedRequest is AdaptRequestForProtocol's output.
type AdaptedRequest struct {
	Path            string
	Body            []byte
	ResponseAdapter ResponseAdapterKind
}

// AdaptRequestForProtocol rewrites path/body for non-native protocols (spec
// §4.7). For openai_compat and azure_openai it is the identity transform — an
// Azure-OpenAI ApiKey differs only in auth scheme and upstream host, not body
// shape, so HeaderProfile/UpstreamClientPool carry that distinction instead.
// For anthropic_native, a client speaking Anthropic's /v1/messages shape
// against a ChatGPT/OpenAI-backed account is rewritten into the OpenAI
// chat-completions shape the upstream actually understands; ResponseAdapter
// then carries the inverse transform so the client still sees an
// Anthropic-shaped response.
//
// The retrieval pack's original_source/crates/service/src/gateway/
// request_rewrite.rs (where this logic lives upstream) was empty in the
// retrieved corpus; this behavior is inferred from the call-site contract in
// local_validation/request.rs plus the protocol/body shapes spec §3 and §4.7
// name, not ported line-for-line — see DESIGN.md.
func AdaptRequestForProtocol(protocolType ProtocolType, path string, body []byte) (AdaptedRequest, error) {
	switch protocolType {
	case ProtocolAnthropicNative:
		return adaptAnthropicNative(path, body)
	default: // ProtocolOpenAICompat, ProtocolAzureOpenAI
		return AdaptedRequest{Path: path, Body: body, ResponseAdapter: ResponseAdapterNone}, nil
	}
}

func adaptAnthropicNative(path string, body []byte) (AdaptedRequest, error) {
	if !strings.HasSuffix(path, "/v1/messages") {
		return AdaptedRequest{Path: path, Body: body, ResponseAdapter: ResponseAdapterNone}, nil
	}
	if len(body) == 0 {
		return AdaptedRequest{}, apperrors.BadRequest("anthropic_adapt_failed", "request body required for /v1/messages")
	}
	if !gjson.ValidBytes(body) {
		return AdaptedRequest{}, apperrors.BadRequest("anthropic_adapt_failed", "request body is not valid JSON")
	}

	out := body
	if system := gjson.GetBytes(out, "system"); system.Exists() {
		messages := gjson.GetBytes(out, "messages")
		prepended := `[{"role":"system","content":` + system.Raw + `}]`
		if messages.IsArray() && messages.Raw != "" {
			prepended = prepended[:len(prepended)-1] + "," + messages.Raw[1:]
		}
		var err error
		out, err = sjson.SetRawBytes(out, "messages", []byte(prepended))
		if err != nil {
			return AdaptedRequest{}, apperrors.BadRequest("anthropic_adapt_failed", "failed to splice system prompt into messages")
		}
		out, _ = sjson.DeleteBytes(out, "system")
	}

	return AdaptedRequest{
		Path:            "/v1/chat/completions",
		Body:            out,
		ResponseAdapter: ResponseAdapterAnthropicFromOpenAI,
	}, nil
}
