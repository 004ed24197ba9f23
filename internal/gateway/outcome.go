package gateway

import (
	"net/http"
	"strings"
)

// OutcomeAction is OutcomeClassifier's decision (spec §4.11).
type OutcomeAction string

const (
	ActionRespondUpstream OutcomeAction = "respond_upstream"
	ActionFailover        OutcomeAction = "failover"
	ActionTerminal        OutcomeAction = "terminal"
)

// Outcome is the result of classifying one upstream attempt.
type Outcome struct {
	Action         OutcomeAction
	CooldownReason CooldownReason // set when the account should be cooled down
	TerminalStatus int            // set when Action == ActionTerminal
	TerminalReason string
	TerminalMessage string
}

// cloudflareMarkers are case-insensitive substrings that identify an upstream
// WAF/Cloudflare challenge page body (spec §4.11 rule 4).
var cloudflareMarkers = []string{"cloudflare", "cf-browser-verification", "attention required", "cf-mitigated"}

// IsChallengeResponse reports whether a response looks like a Cloudflare/WAF
// challenge: an HTML content-type on a JSON-speaking path combined with
// status 403 or 503, a cf-mitigated response header, or Cloudflare markers in
// the body (spec §4.11 rule 4).
func IsChallengeResponse(status int, contentType string, cfMitigatedHeader string, bodySample string) bool {
	if cfMitigatedHeader != "" {
		return true
	}
	lowerBody := strings.ToLower(bodySample)
	for _, marker := range cloudflareMarkers {
		if strings.Contains(lowerBody, marker) {
			return true
		}
	}
	if (status == http.StatusForbidden || status == http.StatusServiceUnavailable) &&
		strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	return false
}

// CachedAvailability is the minimal view of an account's last known
// usage-derived availability the OutcomeClassifier needs for rule 5.
type CachedAvailability struct {
	State AvailabilityState
}

// ShouldFailoverFromCachedSnapshot reports whether a cached availability
// reading alone should trigger a failover even on an otherwise-ordinary
// response (spec §4.11 rule 5 / routing/failover.rs's
// should_failover_from_cached_snapshot).
func ShouldFailoverFromCachedSnapshot(avail CachedAvailability) bool {
	return avail.State == AvailabilityUnavailable
}

// IsCachedAvailabilityFallbackStatus reports whether status/content-type/body
// falls through rules 1-4 to rule 5's cached-availability fallback (spec
// §4.11: "otherwise enqueue a usage refresh ... consult cached
// availability"). AttemptPipeline uses this to decide whether a response is
// worth a usage-snapshot lookup and an async refresh, without duplicating
// ClassifyOutcome's decision tree.
func IsCachedAvailabilityFallbackStatus(status int, contentType, cfMitigatedHeader, bodySample string) bool {
	if status >= 200 && status < 300 {
		return false
	}
	if status == http.StatusTooManyRequests || (status >= 500 && status < 600) {
		return false
	}
	if status == http.StatusNotFound {
		return false
	}
	if IsChallengeResponse(status, contentType, cfMitigatedHeader, bodySample) {
		return false
	}
	return true
}

// ClassifyOutcome implements spec §4.11's OutcomeClassifier in its exact
// decision order, ported from
// original_source/crates/service/src/gateway/upstream/outcome.rs.
//
// status/contentType/cfMitigatedHeader/bodySample describe the upstream
// response; hasMoreCandidates indicates whether a further candidate remains
// in the current attempt loop; cachedAvailability is the account's last
// polled availability (rule 5, best-effort — the usage refresh itself is
// fired-and-forget by the caller, not awaited here).
func ClassifyOutcome(status int, contentType, cfMitigatedHeader, bodySample string, hasMoreCandidates bool, cachedAvailability CachedAvailability) Outcome {
	// Rule 1: 2xx always responds and clears cooldown. No cooldown reason is
	// set; caller is expected to call CooldownRegistry.Clear directly.
	if status >= 200 && status < 300 {
		return Outcome{Action: ActionRespondUpstream}
	}

	// Rule 2: 429/5xx cools the account down but is still relayed to the
	// client verbatim — UsagePoller, not this request, decides whether the
	// account goes inactive.
	if status == http.StatusTooManyRequests {
		return Outcome{Action: ActionRespondUpstream, CooldownReason: CooldownStatus429}
	}
	if status >= 500 && status < 600 {
		return Outcome{Action: ActionRespondUpstream, CooldownReason: CooldownStatus5xx}
	}

	// Rule 3: 404 fails over only if there is somewhere else to go; a 404 on
	// the last candidate is passed through, not terminal.
	if status == http.StatusNotFound {
		if hasMoreCandidates {
			return Outcome{Action: ActionFailover, CooldownReason: CooldownStatus404}
		}
		return Outcome{Action: ActionRespondUpstream}
	}

	// Rule 4: challenge responses.
	if IsChallengeResponse(status, contentType, cfMitigatedHeader, bodySample) {
		if hasMoreCandidates {
			return Outcome{Action: ActionFailover, CooldownReason: CooldownChallenge}
		}
		return Outcome{
			Action:          ActionTerminal,
			CooldownReason:  CooldownChallenge,
			TerminalStatus:  http.StatusBadGateway,
			TerminalReason:  ReasonChallengeBlocked,
			TerminalMessage: ChallengeBlockedMessage,
		}
	}

	// Rule 5: fall back to the cached availability snapshot. The caller is
	// responsible for having enqueued a usage refresh for this account
	// before/around calling ClassifyOutcome; this function only consults
	// whatever snapshot is already cached.
	if ShouldFailoverFromCachedSnapshot(cachedAvailability) {
		reason := cooldownReasonForStatus(status)
		if hasMoreCandidates {
			return Outcome{Action: ActionFailover, CooldownReason: reason}
		}
		return Outcome{Action: ActionRespondUpstream, CooldownReason: reason}
	}

	return Outcome{Action: ActionRespondUpstream}
}

func cooldownReasonForStatus(status int) CooldownReason {
	switch {
	case status == http.StatusTooManyRequests:
		return CooldownStatus429
	case status >= 500:
		return CooldownStatus5xx
	case status == http.StatusNotFound:
		return CooldownStatus404
	default:
		return CooldownStatus5xx
	}
}
