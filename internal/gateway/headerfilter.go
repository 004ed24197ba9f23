package gateway

import "strings"

// hopByHopHeaders ports the set from
// original_source/crates/service/src/http/header_filter.rs.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// IsHopByHopHeader reports whether name is a hop-by-hop header that must
// never be forwarded in either direction.
func IsHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// isASCII reports whether value contains only ASCII bytes.
func isASCII(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] > 0x7f {
			return false
		}
	}
	return true
}

// ShouldSkipRequestHeader reports whether name/value should be dropped when
// building the upstream request (HeaderProfile, spec §4.9). x-codex-turn-metadata
// is always stripped: it may contain non-ASCII (CJK) paths that break a strict
// HTTP/1.1 header parser on the upstream side if forwarded verbatim.
func ShouldSkipRequestHeader(name, value string) bool {
	lower := strings.ToLower(name)
	if IsHopByHopHeader(lower) {
		return true
	}
	if lower == "host" || lower == "content-length" {
		return true
	}
	if lower == "x-codex-turn-metadata" {
		return true
	}
	return !isASCII(value)
}

// ShouldSkipResponseHeader reports whether name should be dropped when
// relaying the upstream response back to the client. Unlike requests, Host
// and turn-metadata filtering and the ASCII check do not apply to responses.
func ShouldSkipResponseHeader(name string) bool {
	lower := strings.ToLower(name)
	return IsHopByHopHeader(lower) || lower == "content-length"
}
