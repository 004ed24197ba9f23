package gateway

import (
	"net/http"
	"strings"
)

// CodexUpstreamHeaderInput carries everything build_codex_upstream_headers
// (spec §4.9) needs, ported from the struct of the same name implied by
// original_source/crates/service/src/gateway/upstream/transport.rs's call
// site (auth_token, account_id, upstream_cookie, incoming/fallback session +
// conversation ids, incoming_turn_state, strip_session_affinity, is_stream,
// has_body).
type CodexUpstreamHeaderInput struct {
	AuthScheme AuthScheme
	AuthToken  string

	AccountHint string // account.ChatGPTAccountID or account.WorkspaceID

	UpstreamCookie        string
	CPANoCookieHeaderMode bool

	IncomingSessionID string
	FallbackSessionID string

	IncomingTurnState string

	IncomingConversationID string
	FallbackConversationID string

	StripSessionAffinity bool

	IsStream bool
	HasBody  bool

	// IncomingContentType/IncomingAccept are honored only if the client sent
	// them; never synthesized (spec §4.9).
	IncomingContentType string
	IncomingAccept       string
}

// BuildCodexUpstreamHeaders assembles the exact upstream header set spec §4.9
// describes.
func BuildCodexUpstreamHeaders(in CodexUpstreamHeaderInput) http.Header {
	h := make(http.Header)

	switch in.AuthScheme {
	case AuthSchemeXAPIKey:
		h.Set("x-api-key", in.AuthToken)
	case AuthSchemeAPIKey:
		h.Set("api-key", in.AuthToken)
	default: // AuthSchemeAuthorizationBearer and the zero value
		h.Set("Authorization", "Bearer "+in.AuthToken)
	}

	h.Set("User-Agent", "codex-cli")

	if in.AccountHint != "" {
		h.Set("ChatGPT-Account-Id", in.AccountHint)
	}

	if in.UpstreamCookie != "" && !in.CPANoCookieHeaderMode {
		h.Set("Cookie", in.UpstreamCookie)
	}

	sessionID, conversationID, turnState := deriveSessionHeaders(in)
	if sessionID != "" {
		h.Set("session_id", sessionID)
	}
	if conversationID != "" {
		h.Set("conversation_id", conversationID)
	}
	if turnState != "" {
		h.Set("x-codex-turn-state", turnState)
	}

	if in.IncomingContentType != "" {
		h.Set("Content-Type", in.IncomingContentType)
	}
	if in.IncomingAccept != "" {
		h.Set("Accept", in.IncomingAccept)
	}

	return h
}

// deriveSessionHeaders implements spec §4.9's session-affinity rule: when
// affinity isn't stripped, propagate whatever the client sent, falling back
// to a derived sticky value computed by the caller (from platform-key
// material or a shared prompt_cache_key); when affinity is stripped
// (stateless retry), none of the three are set.
func deriveSessionHeaders(in CodexUpstreamHeaderInput) (sessionID, conversationID, turnState string) {
	if in.StripSessionAffinity {
		return "", "", ""
	}
	sessionID = in.IncomingSessionID
	if sessionID == "" {
		sessionID = in.FallbackSessionID
	}
	conversationID = in.IncomingConversationID
	if conversationID == "" {
		conversationID = in.FallbackConversationID
	}
	turnState = in.IncomingTurnState
	return sessionID, conversationID, turnState
}

// DeriveStickySessionIDFromHeaders and DeriveStickyConversationIDFromHeaders
// compute a fallback session/conversation id from the platform-key sticky
// material when the incoming request carried neither header (spec §4.9,
// transport.rs's derive_sticky_session_id_from_headers /
// derive_sticky_conversation_id_from_headers). Both derive from the same
// material — sticky routing only needs one stable value per key, and the
// original reuses derive_sticky_session_id_from_headers's output for both
// fields when no better signal exists.
func DeriveStickySessionIDFromHeaders(snap IncomingHeaderSnapshot) string {
	material, ok := snap.StickyKeyMaterial()
	if !ok {
		return ""
	}
	return "sticky-" + stableShortHash(material)
}

func DeriveStickyConversationIDFromHeaders(snap IncomingHeaderSnapshot) string {
	return DeriveStickySessionIDFromHeaders(snap)
}

// PromptCacheKeyAlignedSession implements the transport.rs rule: when neither
// session_id nor conversation_id arrived on the request, and a non-empty
// prompt_cache_key is present in the body, both derived ids become that cache
// key (CLIProxyAPI-compatible alignment that reduces Cloudflare challenges).
func PromptCacheKeyAlignedSession(promptCacheKey string) (sessionID, conversationID string) {
	key := strings.TrimSpace(promptCacheKey)
	if key == "" {
		return "", ""
	}
	return key, key
}

func stableShortHash(s string) string {
	// FNV-1a, 32-bit: deterministic, dependency-free, good enough for a
	// routing hint that only needs to be stable per key — not a security
	// boundary.
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(buf)
}
