package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// challengeSniffBytes bounds how much of a response body is read up front to
// classify it as a Cloudflare/WAF challenge before deciding whether to stream
// the rest straight through (spec §4.11).
const challengeSniffBytes = 4096

// StatelessRetryDisablePolicy controls which statuses trigger the stateless
// retry, mirroring upstream/stateless_retry.rs's two independent knobs.
type StatelessRetryDisablePolicy struct {
	StripSessionAffinity        bool
	DisableChallengeStatelessRetry bool
}

// ShouldTriggerStatelessRetry ports
// original_source/crates/service/src/gateway/upstream/stateless_retry.rs's
// should_trigger_stateless_retry exactly, including its three-way branch.
func ShouldTriggerStatelessRetry(status int, policy StatelessRetryDisablePolicy) bool {
	if policy.StripSessionAffinity {
		if policy.DisableChallengeStatelessRetry {
			return false
		}
		return status == http.StatusForbidden
	}
	if policy.DisableChallengeStatelessRetry {
		return status == http.StatusUnauthorized || status == http.StatusNotFound
	}
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound
}

// jitter returns a pseudo-random duration in [lo, hi) (spec §4.10's
// exponential_jitter(lo, hi, attempt)). attempt only affects which retry slot
// is backing off conceptually, not the randomness source, matching the
// original's per-call jitter rather than a seeded PRNG sequence.
func jitter(lo, hi time.Duration, attempt int) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// PipelineRequest is one forwarded client request, already through
// LocalValidation/RequestAdapter.
type PipelineRequest struct {
	TraceID         string
	KeyID           string
	Method          string
	Path            string
	Body            []byte
	IsStream        bool
	HasPromptCacheKey bool
	IncomingHeaders IncomingHeaderSnapshot
	ProtocolType    ProtocolType
	AuthSchemeForUpstream AuthScheme
	UpstreamBaseOverride *string

	ManualPreferredAccountID string
	Strategy                 SelectionStrategy
	Model                    string

	TotalTimeout  time.Duration
	StreamTimeout time.Duration
}

// UpstreamAttemptResponse is the normalized result of one send, whether
// primary, alt-path, stateless, or fallback.
type UpstreamAttemptResponse struct {
	StatusCode  int
	Header      http.Header
	Body        io.ReadCloser
	NetworkErr  error
	UpstreamURL string
}

// PipelineResult is AttemptPipeline.Run's outcome, consumed by FrontProxy to
// build the client response and by RequestRecorder to log it.
type PipelineResult struct {
	Action         OutcomeAction
	Response       *UpstreamAttemptResponse
	TerminalErr    error
	AccountID      string
	UpstreamURL    string
	FailoverAttempts int
}

// AttemptPipeline implements spec §4.10: primary attempt, alt-path retry,
// stateless retry, OpenAI-API fallback, outcome classification, failover.
type AttemptPipeline struct {
	clients  *UpstreamClientPool
	cooldown *CooldownRegistry
	hints    *RouteHintCache
	cfg      *GatewayRuntimeConfig
	storage  StorageFacade
	usage    *UsagePoller
}

// NewAttemptPipeline constructs a pipeline over the given shared state.
// storage and usage back rule 5's cached-availability fallback (spec
// §4.11): storage supplies the last polled snapshot, usage is used to
// enqueue a fresh one in the background.
func NewAttemptPipeline(clients *UpstreamClientPool, cooldown *CooldownRegistry, hints *RouteHintCache, cfg *GatewayRuntimeConfig, storage StorageFacade, usage *UsagePoller) *AttemptPipeline {
	return &AttemptPipeline{clients: clients, cooldown: cooldown, hints: hints, cfg: cfg, storage: storage, usage: usage}
}

// resolveBearer implements spec §4.10's resolve_bearer: ChatGPT backend uses
// api_key_access_token when present, otherwise token.access_token.
func resolveBearer(baseURL string, token *Token) string {
	if IsChatGPTBackendBase(baseURL) && token.APIKeyAccessToken != nil && *token.APIKeyAccessToken != "" {
		return *token.APIKeyAccessToken
	}
	return token.AccessToken
}

// Run executes the attempt loop over candidates in order, per spec §4.10.
func (p *AttemptPipeline) Run(ctx context.Context, req *PipelineRequest, candidates []Candidate) *PipelineResult {
	for i, cand := range candidates {
		hasMoreCandidates := i < len(candidates)-1
		if cand.SkipReason != SkipNone {
			p.recordFailoverAttempt(cand.Account.ID, cand.SkipReason)
			continue
		}

		result := p.attemptOneCandidate(ctx, req, cand.Account, cand.Token, hasMoreCandidates)
		if result.Action == ActionFailover {
			continue
		}
		return result
	}
	return &PipelineResult{
		Action:      ActionTerminal,
		TerminalErr: BadGateway("no_available_account", "no upstream account available to serve this request"),
	}
}

func (p *AttemptPipeline) recordFailoverAttempt(accountID string, reason CandidateSkipReason) {
	log.Printf("event=gateway_failover_attempt account_id=%s reason=%s", accountID, reason)
}

func (p *AttemptPipeline) attemptOneCandidate(ctx context.Context, req *PipelineRequest, account *Account, token *Token, hasMoreCandidates bool) *PipelineResult {
	p.cooldown.InflightInc(account.ID)
	defer p.cooldown.InflightDec(account.ID)

	deadline := time.Now().Add(effectiveTotalTimeout(req))
	baseURL := effectiveBaseURL(req, p.cfg)
	primaryURL, altURL := ComputeUpstreamURL(baseURL, req.Path)
	authToken := resolveBearer(baseURL, token)

	sessionID, _ := req.IncomingHeaders.SessionID()
	conversationID, _ := req.IncomingHeaders.ConversationID()
	turnState, _ := req.IncomingHeaders.TurnState()
	fallbackSession := ""
	fallbackConversation := ""
	if sessionID == "" && conversationID == "" {
		fallbackSession = DeriveStickySessionIDFromHeaders(req.IncomingHeaders)
		fallbackConversation = fallbackSession
		if req.HasPromptCacheKey {
			if cacheKey := promptCacheKeyFromBody(req.Body); cacheKey != "" {
				fallbackSession, fallbackConversation = PromptCacheKeyAlignedSession(cacheKey)
			}
		}
	}

	headerInput := CodexUpstreamHeaderInput{
		AuthScheme:              req.AuthSchemeForUpstream,
		AuthToken:                authToken,
		AccountHint:              account.AccountHint(),
		UpstreamCookie:           p.cfg.UpstreamCookie,
		CPANoCookieHeaderMode:    p.cfg.CPANoCookieHeaderMode,
		IncomingSessionID:        sessionID,
		FallbackSessionID:        fallbackSession,
		IncomingTurnState:        turnState,
		IncomingConversationID:   conversationID,
		FallbackConversationID:   fallbackConversation,
		IsStream:                 req.IsStream,
		HasBody:                  len(req.Body) > 0,
	}

	resp, networkErr := p.send(ctx, account, req.Method, primaryURL, req.Body, headerInput, deadline, req.IsStream)
	if networkErr != nil {
		p.cooldown.Mark(account.ID, CooldownNetwork)
		if hasMoreCandidates {
			return &PipelineResult{Action: ActionFailover, AccountID: account.ID}
		}
		return &PipelineResult{Action: ActionTerminal, AccountID: account.ID, TerminalErr: BadGateway("upstream_network_error", fmt.Sprintf("upstream error: %v", networkErr))}
	}

	bodySample, restoredBody := sniffBody(resp.Body)
	resp.Body = restoredBody

	// Alt-path retry: status in {400,404} and an alt URL exists.
	if altURL != "" && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound) {
		if wait, ok := CapWait(jitter(40*time.Millisecond, 200*time.Millisecond, 0), deadline); ok {
			sleep(ctx, wait)
			altResp, altErr := p.send(ctx, account, req.Method, altURL, req.Body, headerInput, deadline, req.IsStream)
			if altErr != nil {
				p.cooldown.Mark(account.ID, CooldownNetwork)
				if hasMoreCandidates {
					return &PipelineResult{Action: ActionFailover, AccountID: account.ID}
				}
				return &PipelineResult{Action: ActionTerminal, AccountID: account.ID, TerminalErr: BadGateway("upstream_network_error", fmt.Sprintf("upstream error: %v", altErr))}
			}
			resp = altResp
			bodySample, resp.Body = sniffBody(resp.Body)
			resp.UpstreamURL = altURL
		}
	} else {
		resp.UpstreamURL = primaryURL
	}

	// Stateless retry.
	statelessPolicy := StatelessRetryDisablePolicy{
		StripSessionAffinity:           p.cfg.StripSessionAffinity,
		DisableChallengeStatelessRetry: p.cfg.DisableChallengeStatelessRetry,
	}
	if ShouldTriggerStatelessRetry(resp.StatusCode, statelessPolicy) {
		if resp.StatusCode == http.StatusForbidden {
			if wait, ok := CapWait(jitter(120*time.Millisecond, 900*time.Millisecond, 1), deadline); ok {
				sleep(ctx, wait)
			}
		}
		strippedHeaderInput := headerInput
		strippedHeaderInput.StripSessionAffinity = true
		statelessResp, statelessErr := p.send(ctx, account, req.Method, resp.UpstreamURL, req.Body, strippedHeaderInput, deadline, req.IsStream)
		if statelessErr == nil {
			resp = statelessResp
			bodySample, resp.Body = sniffBody(resp.Body)
			if altURL != "" && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound) {
				if wait, ok := CapWait(jitter(80*time.Millisecond, 500*time.Millisecond, 2), deadline); ok {
					sleep(ctx, wait)
					retryResp, retryErr := p.send(ctx, account, req.Method, altURL, req.Body, strippedHeaderInput, deadline, req.IsStream)
					if retryErr == nil {
						resp = retryResp
						bodySample, resp.Body = sniffBody(resp.Body)
						resp.UpstreamURL = altURL
					}
					// network error on this best-effort retry is swallowed;
					// the prior stateless-retry response is kept.
				}
			}
		}
	}

	// OpenAI-API fallback.
	if p.cfg.FallbackBaseURL != "" && IsChatGPTBackendBase(baseURL) {
		triggeredByContentType := ShouldTryOpenAIFallbackByContentType(req.Path, resp.Header.Get("Content-Type"))
		triggeredByStatus := ShouldTryOpenAIFallbackByStatus(req.Path, resp.StatusCode)
		if triggeredByContentType || triggeredByStatus {
			fallbackURL, _ := ComputeUpstreamURL(p.cfg.FallbackBaseURL, req.Path)
			fallbackHeaderInput := headerInput
			if token.APIKeyAccessToken != nil {
				fallbackHeaderInput.AuthToken = *token.APIKeyAccessToken
			}
			fallbackResp, fallbackErr := p.send(ctx, account, req.Method, fallbackURL, req.Body, fallbackHeaderInput, deadline, req.IsStream)
			if fallbackErr == nil {
				resp = fallbackResp
				bodySample, resp.Body = sniffBody(resp.Body)
				resp.UpstreamURL = fallbackURL
			}
		}
	}

	cachedAvailability := CachedAvailability{State: AvailabilityUnknown}
	respContentType := resp.Header.Get("Content-Type")
	cfMitigated := resp.Header.Get("cf-mitigated")
	if IsCachedAvailabilityFallbackStatus(resp.StatusCode, respContentType, cfMitigated, bodySample) {
		if p.storage != nil {
			if snap, err := p.storage.LatestUsageSnapshot(ctx, account.ID); err == nil && snap != nil {
				state, _ := ClassifyAvailability(snap)
				cachedAvailability = CachedAvailability{State: state}
			}
		}
		if p.usage != nil {
			go func(acc *Account, base string) {
				if err := p.usage.PollOne(context.Background(), acc, base); err != nil {
					log.Printf("event=gateway_cached_availability_refresh_failed account_id=%s err=%v", acc.ID, err)
				}
			}(account, baseURL)
		}
	}
	outcome := ClassifyOutcome(resp.StatusCode, respContentType, cfMitigated, bodySample, hasMoreCandidates, cachedAvailability)

	switch outcome.Action {
	case ActionRespondUpstream:
		if outcome.CooldownReason != "" {
			p.cooldown.Mark(account.ID, outcome.CooldownReason)
		} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			p.cooldown.Clear(account.ID)
		}
		return &PipelineResult{Action: ActionRespondUpstream, Response: resp, AccountID: account.ID, UpstreamURL: resp.UpstreamURL}
	case ActionFailover:
		p.cooldown.Mark(account.ID, outcome.CooldownReason)
		return &PipelineResult{Action: ActionFailover, AccountID: account.ID, UpstreamURL: resp.UpstreamURL}
	default: // ActionTerminal
		p.cooldown.Mark(account.ID, outcome.CooldownReason)
		return &PipelineResult{
			Action:      ActionTerminal,
			AccountID:   account.ID,
			UpstreamURL: resp.UpstreamURL,
			TerminalErr: BadGateway(outcome.TerminalReason, outcome.TerminalMessage),
		}
	}
}

func (p *AttemptPipeline) send(ctx context.Context, account *Account, method, url string, body []byte, headerInput CodexUpstreamHeaderInput, deadline time.Time, isStream bool) (*UpstreamAttemptResponse, error) {
	if IsExpired(deadline) {
		return nil, fmt.Errorf("deadline exceeded before send")
	}
	sendCtx, cancel := context.WithTimeout(ctx, SendTimeout(deadline, isStream, p.cfg.StreamTimeout))
	defer cancel()

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(sendCtx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	for name, values := range BuildCodexUpstreamHeaders(headerInput) {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	client := p.clients.Pooled()
	resp, err := client.Do(httpReq)
	if err != nil {
		fresh, freshErr := p.clients.Fresh(account.ID)
		if freshErr != nil {
			return nil, err
		}
		resp, err = fresh.Do(httpReq)
		if err != nil {
			return nil, err
		}
	}
	return &UpstreamAttemptResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func effectiveTotalTimeout(req *PipelineRequest) time.Duration {
	if req.TotalTimeout > 0 {
		return req.TotalTimeout
	}
	if req.IsStream {
		return 24 * time.Hour
	}
	return 120 * time.Second
}

func effectiveBaseURL(req *PipelineRequest, cfg *GatewayRuntimeConfig) string {
	if req.UpstreamBaseOverride != nil && strings.TrimSpace(*req.UpstreamBaseOverride) != "" {
		return NormalizeUpstreamBaseURL(*req.UpstreamBaseOverride)
	}
	return cfg.UpstreamBaseURL
}

func promptCacheKeyFromBody(body []byte) string {
	if len(body) == 0 || len(body) > maxInspectedBodyBytes || !gjson.ValidBytes(body) {
		return ""
	}
	return strings.TrimSpace(gjson.GetBytes(body, "prompt_cache_key").String())
}

// sniffBody peeks at up to challengeSniffBytes of body for challenge
// classification and returns a reader that still yields the full stream
// (peeked bytes followed by whatever remains unread).
func sniffBody(body io.ReadCloser) (sample string, restored io.ReadCloser) {
	if body == nil {
		return "", nil
	}
	buf := make([]byte, challengeSniffBytes)
	n, _ := io.ReadFull(body, buf)
	peeked := buf[:n]
	return string(peeked), &multiReadCloser{Reader: io.MultiReader(bytes.NewReader(peeked), body), Closer: body}
}

type multiReadCloser struct {
	io.Reader
	io.Closer
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
