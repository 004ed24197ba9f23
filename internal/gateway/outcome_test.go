package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyOutcome_2xxRespondsWithoutCooldown(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusOK, "application/json", "", "", true, CachedAvailability{})
	require.Equal(t, ActionRespondUpstream, outcome.Action)
	require.Equal(t, CooldownReason(""), outcome.CooldownReason)
}

func TestClassifyOutcome_429AlwaysRespondsButCoolsDown(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusTooManyRequests, "application/json", "", "", true, CachedAvailability{})
	require.Equal(t, ActionRespondUpstream, outcome.Action)
	require.Equal(t, CooldownStatus429, outcome.CooldownReason)
}

func TestClassifyOutcome_5xxAlwaysRespondsButCoolsDown(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusInternalServerError, "application/json", "", "", false, CachedAvailability{})
	require.Equal(t, ActionRespondUpstream, outcome.Action)
	require.Equal(t, CooldownStatus5xx, outcome.CooldownReason)
}

func TestClassifyOutcome_404FailsOverWhenMoreCandidates(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusNotFound, "application/json", "", "", true, CachedAvailability{})
	require.Equal(t, ActionFailover, outcome.Action)
	require.Equal(t, CooldownStatus404, outcome.CooldownReason)
}

func TestClassifyOutcome_404PassesThroughOnLastCandidate(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusNotFound, "application/json", "", "", false, CachedAvailability{})
	require.Equal(t, ActionRespondUpstream, outcome.Action)
	require.Equal(t, CooldownReason(""), outcome.CooldownReason)
}

func TestClassifyOutcome_ChallengeFailsOverWhenMoreCandidates(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusForbidden, "text/html", "", "", true, CachedAvailability{})
	require.Equal(t, ActionFailover, outcome.Action)
	require.Equal(t, CooldownChallenge, outcome.CooldownReason)
}

func TestClassifyOutcome_ChallengeTerminalOnLastCandidate(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusForbidden, "text/html", "", "", false, CachedAvailability{})
	require.Equal(t, ActionTerminal, outcome.Action)
	require.Equal(t, http.StatusBadGateway, outcome.TerminalStatus)
	require.Equal(t, ReasonChallengeBlocked, outcome.TerminalReason)
	require.Equal(t, ChallengeBlockedMessage, outcome.TerminalMessage)
}

func TestClassifyOutcome_ChallengeDetectedViaCfMitigatedHeader(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusForbidden, "application/json", "challenge", "", true, CachedAvailability{})
	require.Equal(t, ActionFailover, outcome.Action)
	require.Equal(t, CooldownChallenge, outcome.CooldownReason)
}

func TestClassifyOutcome_ChallengeDetectedViaBodyMarker(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusForbidden, "application/json", "", "Attention Required! | Cloudflare", true, CachedAvailability{})
	require.Equal(t, ActionFailover, outcome.Action)
	require.Equal(t, CooldownChallenge, outcome.CooldownReason)
}

func TestClassifyOutcome_CachedUnavailableFailsOverOrdinaryResponse(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusBadRequest, "application/json", "", "", true, CachedAvailability{State: AvailabilityUnavailable})
	require.Equal(t, ActionFailover, outcome.Action)
}

func TestClassifyOutcome_CachedAvailableDoesNotFailover(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusBadRequest, "application/json", "", "", true, CachedAvailability{State: AvailabilityAvailable})
	require.Equal(t, ActionRespondUpstream, outcome.Action)
}

func TestClassifyOutcome_2xxNeverConsultsCachedAvailability(t *testing.T) {
	outcome := ClassifyOutcome(http.StatusOK, "application/json", "", "", true, CachedAvailability{State: AvailabilityUnavailable})
	require.Equal(t, ActionRespondUpstream, outcome.Action, "rule 1 is unconditional for 2xx and never reaches rule 5")
	require.Equal(t, CooldownReason(""), outcome.CooldownReason)
}

func TestIsCachedAvailabilityFallbackStatus(t *testing.T) {
	require.False(t, IsCachedAvailabilityFallbackStatus(http.StatusOK, "application/json", "", ""), "2xx is rule 1, not rule 5")
	require.False(t, IsCachedAvailabilityFallbackStatus(http.StatusTooManyRequests, "application/json", "", ""), "429 is rule 2")
	require.False(t, IsCachedAvailabilityFallbackStatus(http.StatusInternalServerError, "application/json", "", ""), "5xx is rule 2")
	require.False(t, IsCachedAvailabilityFallbackStatus(http.StatusNotFound, "application/json", "", ""), "404 is rule 3")
	require.False(t, IsCachedAvailabilityFallbackStatus(http.StatusForbidden, "text/html", "", "Attention Required! | Cloudflare"), "challenge is rule 4")
	require.True(t, IsCachedAvailabilityFallbackStatus(http.StatusBadRequest, "application/json", "", ""), "400 falls through to rule 5")
	require.True(t, IsCachedAvailabilityFallbackStatus(http.StatusUnauthorized, "application/json", "", ""), "401 falls through to rule 5")
}

func TestIsChallengeResponse(t *testing.T) {
	require.True(t, IsChallengeResponse(http.StatusForbidden, "text/html; charset=utf-8", "", ""))
	require.True(t, IsChallengeResponse(http.StatusOK, "application/json", "cf-mitigated", ""))
	require.True(t, IsChallengeResponse(http.StatusServiceUnavailable, "application/json", "", "cloudflare ray id 123"))
	require.False(t, IsChallengeResponse(http.StatusForbidden, "application/json", "", "plain forbidden"))
	require.False(t, IsChallengeResponse(http.StatusOK, "text/html", "", ""))
}
