// Package gateway implements the local, multi-tenant LLM API gateway: platform-key
// validation, candidate-account selection, the upstream attempt pipeline, OAuth
// token-lifecycle management, and usage-quota polling described in SPEC_FULL.md.
package gateway

import (
	"strings"
	"time"
)

// AccountStatus mirrors spec §3's Account.status enum.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
)

// Account is an upstream provider identity (ChatGPT backend or OpenAI public API).
type Account struct {
	ID               string
	ChatGPTAccountID *string
	WorkspaceID      *string
	SortOrder        int
	Status           AccountStatus
	CreatedAt        time.Time
}

// AccountHint returns the id used in headers and sticky derivation:
// ChatGPTAccountID if present, else WorkspaceID.
func (a *Account) AccountHint() string {
	if a.ChatGPTAccountID != nil && *a.ChatGPTAccountID != "" {
		return *a.ChatGPTAccountID
	}
	if a.WorkspaceID != nil {
		return *a.WorkspaceID
	}
	return ""
}

// Token is the OAuth credential set for an Account, exclusively owned by it.
type Token struct {
	AccountID            string
	IDToken              string
	AccessToken          string
	RefreshToken         string
	APIKeyAccessToken     *string
	LastRefresh          time.Time
	AccessTokenExp       *time.Time
	NextRefreshAt        *time.Time
	LastRefreshAttemptAt *time.Time
}

// HasRefreshToken reports whether this token is eligible for scheduled refresh.
func (t *Token) HasRefreshToken() bool {
	return t != nil && strings.TrimSpace(t.RefreshToken) != ""
}

// ProtocolType identifies the wire protocol an ApiKey speaks to clients.
type ProtocolType string

const (
	ProtocolOpenAICompat   ProtocolType = "openai_compat"
	ProtocolAnthropicNative ProtocolType = "anthropic_native"
	ProtocolAzureOpenAI    ProtocolType = "azure_openai"
)

// AuthScheme identifies how a platform key is presented by the client.
type AuthScheme string

const (
	AuthSchemeAuthorizationBearer AuthScheme = "authorization_bearer"
	AuthSchemeXAPIKey            AuthScheme = "x_api_key"
	AuthSchemeAPIKey             AuthScheme = "api_key"
)

// ReasoningEffort is the normalized set spec §3/§4.7 recognize.
type ReasoningEffort string

const (
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
	ReasoningXHigh  ReasoningEffort = "xhigh"
)

// ApiKey is the locally-issued platform key (spec §3, "ApiKey"). Its plaintext
// secret never lives on this struct — see ApiKeySecret.
type ApiKey struct {
	ID               string
	Name             *string
	ModelSlug        *string
	ReasoningEffort  *ReasoningEffort
	ClientType       string
	ProtocolType     ProtocolType
	AuthScheme       AuthScheme
	UpstreamBaseURL  *string
	StaticHeadersJSON *string
	KeyHash          string
	Status           string
	CreatedAt        time.Time
	LastUsedAt       *time.Time
}

// IsActive reports whether the key may be used to authenticate requests.
func (k *ApiKey) IsActive() bool {
	return k != nil && k.Status == "active"
}

// ApiKeySecret holds the plaintext platform-key secret, stored separately
// from ApiKey per spec §3's invariant.
type ApiKeySecret struct {
	KeyID  string
	Secret string
}

// AvailabilityState is UsagePoller's classification output (spec §4.3).
type AvailabilityState string

const (
	AvailabilityUnknown         AvailabilityState = "unknown"
	AvailabilityAvailable       AvailabilityState = "available"
	AvailabilityUnavailable     AvailabilityState = "unavailable"
	AvailabilityPrimaryOnly     AvailabilityState = "primary_window_available_only"
)

// UsageSnapshot is one polled usage sample for an Account (spec §3).
type UsageSnapshot struct {
	AccountID              string
	UsedPercent            *float64
	WindowMinutes          *int
	ResetsAt               *time.Time
	SecondaryUsedPercent   *float64
	SecondaryWindowMinutes *int
	SecondaryResetsAt      *time.Time
	CreditsJSON            *string
	CapturedAt             time.Time
}

// RequestLog is one completed forward-attempt chain (spec §3).
type RequestLog struct {
	ID              int64
	KeyID           string
	AccountID       *string
	Method          string
	RequestPath     string
	Model           *string
	ReasoningEffort *string
	UpstreamURL     *string
	StatusCode      *int
	Error           *string
	CreatedAt       time.Time
}

// RequestTokenStat accompanies a RequestLog with token/cost estimates (spec §3).
type RequestTokenStat struct {
	RequestLogID          int64
	InputTokens           int64
	CachedInputTokens     int64
	OutputTokens          int64
	ReasoningOutputTokens int64
	EstimatedCostUSD      float64
}

// RequestShape is RequestAdapter's classification of the inspected body (spec §4.7).
type RequestShape string

const (
	ShapeResponses       RequestShape = "responses"
	ShapeChatCompletions RequestShape = "chat_completions"
	ShapeMessages        RequestShape = "messages"
	ShapeEmbeddings      RequestShape = "embeddings"
	ShapeModels          RequestShape = "models"
	ShapeOther           RequestShape = "other"
)
