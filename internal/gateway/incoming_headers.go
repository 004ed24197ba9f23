package gateway

import (
	"net/http"
	"strings"
)

// IncomingHeaderSnapshot captures the subset of an incoming request's headers
// the gateway cares about, ported from
// original_source/crates/service/src/gateway/request/incoming_headers.rs.
//
// authorizationBearerStrict and authorizationBearerCaseInsensitive are
// deliberately distinct: PlatformKey() uses the strict ("Bearer " prefix
// exactly) value, StickyKeyMaterial() uses the case-insensitive one — matching
// the original's two unit tests
// (strict_bearer_parsing_matches_auth_extraction_behavior and
// case_insensitive_bearer_parsing_matches_sticky_derivation_behavior).
type IncomingHeaderSnapshot struct {
	xAPIKey                           string
	authorizationBearerStrict         string
	authorizationBearerCaseInsensitive string
	sessionID                         string
	turnState                         string
	conversationID                    string
}

// SnapshotIncomingHeaders builds an IncomingHeaderSnapshot from a request's http.Header.
func SnapshotIncomingHeaders(h http.Header) IncomingHeaderSnapshot {
	snap := IncomingHeaderSnapshot{
		xAPIKey:         strings.TrimSpace(h.Get("x-api-key")),
		sessionID:       strings.TrimSpace(h.Get("session_id")),
		turnState:       strings.TrimSpace(h.Get("x-codex-turn-state")),
		conversationID:  strings.TrimSpace(h.Get("conversation_id")),
	}
	auth := h.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		snap.authorizationBearerStrict = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if idx := strings.IndexByte(auth, ' '); idx > 0 {
		scheme := auth[:idx]
		if strings.EqualFold(scheme, "bearer") {
			snap.authorizationBearerCaseInsensitive = strings.TrimSpace(auth[idx+1:])
		}
	}
	return snap
}

// PlatformKey returns the extracted platform key: x-api-key if present, else
// the strictly-parsed "Bearer " token.
func (s IncomingHeaderSnapshot) PlatformKey() (string, bool) {
	if s.xAPIKey != "" {
		return s.xAPIKey, true
	}
	if s.authorizationBearerStrict != "" {
		return s.authorizationBearerStrict, true
	}
	return "", false
}

// StickyKeyMaterial returns the material used to derive sticky session ids:
// x-api-key if present, else the case-insensitively-parsed bearer token.
func (s IncomingHeaderSnapshot) StickyKeyMaterial() (string, bool) {
	if s.xAPIKey != "" {
		return s.xAPIKey, true
	}
	if s.authorizationBearerCaseInsensitive != "" {
		return s.authorizationBearerCaseInsensitive, true
	}
	return "", false
}

// SessionID returns the incoming session_id header, if present.
func (s IncomingHeaderSnapshot) SessionID() (string, bool) {
	if s.sessionID == "" {
		return "", false
	}
	return s.sessionID, true
}

// TurnState returns the incoming x-codex-turn-state header, if present.
func (s IncomingHeaderSnapshot) TurnState() (string, bool) {
	if s.turnState == "" {
		return "", false
	}
	return s.turnState, true
}

// ConversationID returns the incoming conversation_id header, if present.
func (s IncomingHeaderSnapshot) ConversationID() (string, bool) {
	if s.conversationID == "" {
		return "", false
	}
	return s.conversationID, true
}
