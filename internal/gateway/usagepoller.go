package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// UsageEndpoint implements spec §4.3's usage_endpoint rule, ported from
// core/src/usage/mod.rs: normalize base (appending "/backend-api" to a bare
// ChatGPT host), then append "/wham/usage" if the normalized base contains
// "/backend-api", else "/api/codex/usage".
func UsageEndpoint(base string) string {
	normalized := normalizeUsageBaseURL(base)
	if strings.Contains(normalized, "/backend-api") {
		return normalized + "/wham/usage"
	}
	return normalized + "/api/codex/usage"
}

func normalizeUsageBaseURL(base string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if isChatGPTBackendHost(trimmed) && !strings.Contains(trimmed, "/backend-api") {
		return trimmed + "/backend-api"
	}
	return trimmed
}

// rawUsageResponse mirrors the upstream /wham/usage and /api/codex/usage
// JSON shapes core/src/usage/mod.rs parses via JSON pointers.
type rawUsageResponse struct {
	RateLimit *struct {
		PrimaryWindow *rawWindow `json:"primary_window"`
		SecondaryWindow *rawWindow `json:"secondary_window"`
	} `json:"rate_limit"`
	Credits json.RawMessage `json:"credits,omitempty"`
}

type rawWindow struct {
	UsedPercent        *float64 `json:"used_percent"`
	LimitWindowSeconds *int64   `json:"limit_window_seconds"`
	ResetAt            *int64   `json:"reset_at"`
}

// ParseUsageSnapshot parses a raw usage-endpoint response body into a
// UsageSnapshot (spec §4.3), ported from core/src/usage/mod.rs's
// parse_usage_snapshot. window_minutes uses ceiling division.
func ParseUsageSnapshot(accountID string, body []byte, capturedAt time.Time) (*UsageSnapshot, error) {
	var raw rawUsageResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse usage response: %w", err)
	}
	snap := &UsageSnapshot{AccountID: accountID, CapturedAt: capturedAt}
	if raw.RateLimit != nil {
		if raw.RateLimit.PrimaryWindow != nil {
			applyWindow(raw.RateLimit.PrimaryWindow, &snap.UsedPercent, &snap.WindowMinutes, &snap.ResetsAt)
		}
		if raw.RateLimit.SecondaryWindow != nil {
			applyWindow(raw.RateLimit.SecondaryWindow, &snap.SecondaryUsedPercent, &snap.SecondaryWindowMinutes, &snap.SecondaryResetsAt)
		}
	}
	if len(raw.Credits) > 0 && string(raw.Credits) != "null" {
		s := string(raw.Credits)
		snap.CreditsJSON = &s
	}
	return snap, nil
}

func applyWindow(w *rawWindow, usedPercent **float64, windowMinutes **int, resetsAt **time.Time) {
	if w.UsedPercent != nil {
		v := *w.UsedPercent
		*usedPercent = &v
	}
	if w.LimitWindowSeconds != nil {
		minutes := int((*w.LimitWindowSeconds + 59) / 60)
		*windowMinutes = &minutes
	}
	if w.ResetAt != nil {
		t := time.Unix(*w.ResetAt, 0)
		*resetsAt = &t
	}
}

// ClassifyAvailability implements spec §4.3's authoritative (newer,
// "service" crate) availability classifier — see DESIGN.md / SPEC_FULL.md §13
// for why this variant, not gpttools-service's stricter one, is implemented:
//
//   - primary missing                          -> unknown
//   - either window >= 100%                     -> unavailable
//   - secondary fully absent                    -> primary_window_available_only
//   - secondary partially present (one of two)  -> unknown
//   - otherwise                                 -> available
func ClassifyAvailability(snap *UsageSnapshot) (AvailabilityState, string) {
	if snap.UsedPercent == nil {
		return AvailabilityUnknown, "usage_missing_primary"
	}
	if *snap.UsedPercent >= 100 {
		return AvailabilityUnavailable, "usage_exhausted_primary"
	}
	secondaryPresent := snap.SecondaryUsedPercent != nil || snap.SecondaryWindowMinutes != nil
	secondaryComplete := snap.SecondaryUsedPercent != nil && snap.SecondaryWindowMinutes != nil
	if secondaryComplete {
		if *snap.SecondaryUsedPercent >= 100 {
			return AvailabilityUnavailable, "usage_exhausted_secondary"
		}
		return AvailabilityAvailable, ""
	}
	if secondaryPresent {
		// partially present: one of used_percent/window_minutes is missing.
		return AvailabilityUnknown, "usage_missing_secondary"
	}
	return AvailabilityPrimaryOnly, ""
}

// UsagePoller periodically fetches per-account usage, classifies
// availability, persists snapshots, and drives Account.status transitions
// (spec §4.3).
type UsagePoller struct {
	storage      StorageFacade
	refresher    *TokenRefresher
	client       *http.Client
	retainPerAccount int
}

// NewUsagePoller constructs a poller. retainPerAccount defaults to 200 (spec §3).
func NewUsagePoller(storage StorageFacade, refresher *TokenRefresher, client *http.Client, retainPerAccount int) *UsagePoller {
	if retainPerAccount <= 0 {
		retainPerAccount = 200
	}
	return &UsagePoller{storage: storage, refresher: refresher, client: client, retainPerAccount: retainPerAccount}
}

// PollOne polls usage for a single account, ensuring a fresh access token
// first when the current one is expired (spec §4.3).
func (p *UsagePoller) PollOne(ctx context.Context, account *Account, upstreamBase string) error {
	token, err := p.storage.GetToken(ctx, account.ID)
	if err != nil || token == nil {
		return fmt.Errorf("no token for account %s: %w", account.ID, err)
	}
	if token.AccessTokenExp != nil && !time.Now().Before(*token.AccessTokenExp) {
		if err := p.refresher.RefreshOne(ctx, token); err != nil {
			return fmt.Errorf("failed to refresh token before usage poll: %w", err)
		}
	}

	endpoint := UsageEndpoint(upstreamBase)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+resolveBearer(upstreamBase, token))
	if hint := account.AccountHint(); hint != "" {
		httpReq.Header.Set("ChatGPT-Account-Id", hint)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("usage endpoint returned status %d", resp.StatusCode)
	}

	snap, err := ParseUsageSnapshot(account.ID, body, time.Now())
	if err != nil {
		return err
	}
	if err := p.storage.InsertUsageSnapshot(ctx, snap); err != nil {
		log.Printf("event=usage_snapshot_insert_failed account_id=%s err=%v", account.ID, err)
	}
	if err := p.storage.PruneUsageSnapshotsForAccount(ctx, account.ID, p.retainPerAccount); err != nil {
		log.Printf("event=usage_snapshot_prune_failed account_id=%s err=%v", account.ID, err)
	}

	state, reason := ClassifyAvailability(snap)
	var newStatus AccountStatus
	switch state {
	case AvailabilityAvailable, AvailabilityPrimaryOnly:
		newStatus = AccountStatusActive
		reason = "usage_ok"
	case AvailabilityUnavailable:
		newStatus = AccountStatusInactive
	default: // AvailabilityUnknown
		newStatus = AccountStatusInactive
	}
	changed, err := p.storage.UpdateAccountStatusIfChanged(ctx, account.ID, newStatus, reason)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if changed {
		log.Printf("event=account_status_changed account_id=%s status=%s reason=%s", account.ID, newStatus, reason)
	}
	return nil
}

// RunTick polls usage for every account, logging (but not propagating)
// per-account failures so one bad account doesn't stop the sweep (spec §7:
// "Background-loop errors log at WARN and do not crash the process").
func (p *UsagePoller) RunTick(ctx context.Context, upstreamBase string) {
	accounts, err := p.storage.ListAccountsOrdered(ctx)
	if err != nil {
		log.Printf("event=usage_poll_list_failed err=%v", err)
		return
	}
	for _, account := range accounts {
		if err := p.PollOne(ctx, account, upstreamBase); err != nil {
			if !isKeepaliveErrorIgnorable(err) {
				log.Printf("event=usage_poll_failed account_id=%s err=%v", account.ID, err)
			}
		}
	}
}

// isKeepaliveErrorIgnorable suppresses expected idle-state errors from
// background-loop WARN logs (spec §7's is_keepalive_error_ignorable filter).
func isKeepaliveErrorIgnorable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no available account") || strings.Contains(msg, "storage unavailable")
}
