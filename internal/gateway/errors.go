package gateway

import (
	"net/http"

	apperrors "github.com/Wei-Shaw/sub2api/internal/pkg/errors"
)

// Error kind constructors extending internal/pkg/errors with the HTTP codes
// spec §7 names that the teacher's error package didn't already have.

// PayloadTooLarge maps to a 413 response (front proxy body size limit exceeded).
func PayloadTooLarge(reason, message string) *apperrors.ApplicationError {
	return apperrors.New(http.StatusRequestEntityTooLarge, reason, message)
}

// IsPayloadTooLarge reports whether err is a PayloadTooLarge error.
func IsPayloadTooLarge(err error) bool {
	return apperrors.Code(err) == http.StatusRequestEntityTooLarge
}

// MethodNotAllowed maps to a 405 response (unknown/unsupported HTTP verb).
func MethodNotAllowed(reason, message string) *apperrors.ApplicationError {
	return apperrors.New(http.StatusMethodNotAllowed, reason, message)
}

// IsMethodNotAllowed reports whether err is a MethodNotAllowed error.
func IsMethodNotAllowed(err error) bool {
	return apperrors.Code(err) == http.StatusMethodNotAllowed
}

// BadGateway maps to a 502 response (upstream network error, or all candidates
// exhausted without a usable response).
func BadGateway(reason, message string) *apperrors.ApplicationError {
	return apperrors.New(http.StatusBadGateway, reason, message)
}

// IsBadGateway reports whether err is a BadGateway error.
func IsBadGateway(err error) bool {
	return apperrors.Code(err) == http.StatusBadGateway
}

// ReasonChallengeBlocked is the fixed reason used when every candidate was
// blocked by an upstream WAF/Cloudflare challenge (spec §4.11 rule 4, §8 scenario 5).
const ReasonChallengeBlocked = "challenge_blocked"

// ChallengeBlockedMessage is the exact diagnostic text spec §8 scenario 5 requires.
const ChallengeBlockedMessage = "upstream blocked by Cloudflare/WAF; please refresh account auth or configure CODEXMANAGER_UPSTREAM_COOKIE"

// ChallengeBlocked builds the canned terminal error for an all-candidates-challenged outcome.
func ChallengeBlocked() *apperrors.ApplicationError {
	return BadGateway(ReasonChallengeBlocked, ChallengeBlockedMessage)
}
