package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshScopes matches the teacher's internal/pkg/openai.RefreshScopes.
const RefreshScopes = "openid profile email"

// tokenRefreshLeadTime is the margin subtracted from access_token_exp when
// computing next_refresh_at (spec §3's invariant: next_refresh_at <=
// access_token_exp - 600s).
const tokenRefreshLeadTime = 600 * time.Second

// RefreshFailed is returned by TokenRefresher.Refresh when the issuer
// responds with a non-2xx status (spec §4.2).
type RefreshFailed struct {
	Status int
	Body   string
}

func (e *RefreshFailed) Error() string {
	return fmt.Sprintf("token refresh failed: status=%d body=%s", e.Status, e.Body)
}

// refreshTokenResponse is the issuer's /oauth/token response shape.
type refreshTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// apiKeyExchangeResponse is the shape of the ChatGPT api_key_access_token
// exchange response.
type apiKeyExchangeResponse struct {
	AccessToken string `json:"access_token"`
}

// TokenRefresher refreshes OAuth tokens against the issuer and derives
// api_key_access_token (spec §4.2).
type TokenRefresher struct {
	storage  StorageFacade
	client   *http.Client
	issuer   string
	clientID string
}

// NewTokenRefresher constructs a refresher. issuer is typically
// "https://auth.openai.com"; clientID matches the teacher's
// internal/pkg/openai.ClientID for the ChatGPT Codex CLI OAuth app.
func NewTokenRefresher(storage StorageFacade, client *http.Client, issuer, clientID string) *TokenRefresher {
	return &TokenRefresher{storage: storage, client: client, issuer: issuer, clientID: clientID}
}

// RefreshOne refreshes a single account's token (spec §4.2's per-tick body).
// On success it atomically replaces access_token; replaces refresh_token iff
// the response carried a non-empty one; if id_token is present, replaces it
// and best-effort re-derives api_key_access_token (a failure there does not
// fail the refresh). It then computes access_token_exp from the JWT exp
// claim, next_refresh_at := access_token_exp - 600s, and persists.
func (r *TokenRefresher) RefreshOne(ctx context.Context, token *Token) error {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", token.RefreshToken)
	form.Set("client_id", r.clientID)
	form.Set("scope", RefreshScopes)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.issuer+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RefreshFailed{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed refreshTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("failed to parse refresh response: %w", err)
	}

	token.AccessToken = parsed.AccessToken
	if strings.TrimSpace(parsed.RefreshToken) != "" {
		token.RefreshToken = parsed.RefreshToken
	}
	if strings.TrimSpace(parsed.IDToken) != "" {
		token.IDToken = parsed.IDToken
		if apiKey, err := r.obtainAPIKey(ctx, parsed.IDToken); err != nil {
			log.Printf("event=api_key_access_token_refresh_failed account_id=%s err=%v", token.AccountID, err)
		} else {
			token.APIKeyAccessToken = &apiKey
		}
	}

	exp := accessTokenExpiry(token.AccessToken, parsed.ExpiresIn)
	token.AccessTokenExp = exp
	if exp != nil {
		nextRefresh := exp.Add(-tokenRefreshLeadTime)
		token.NextRefreshAt = &nextRefresh
	}
	now := time.Now()
	token.LastRefresh = now

	if err := r.storage.UpsertToken(ctx, token); err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	return r.storage.UpdateTokenRefreshSchedule(ctx, token.AccountID, token.AccessTokenExp, token.NextRefreshAt)
}

// obtainAPIKey exchanges an id_token for a ChatGPT api_key_access_token
// (spec §4.2's obtain_api_key), ported from
// gpttools-service/src/usage/usage_token_refresh.rs's best-effort sub-step.
func (r *TokenRefresher) obtainAPIKey(ctx context.Context, idToken string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:token-exchange")
	form.Set("client_id", r.clientID)
	form.Set("requested_token_type", "urn:ietf:params:oauth:token-type:access_token")
	form.Set("subject_token", idToken)
	form.Set("subject_token_type", "urn:ietf:params:oauth:token-type:id_token")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.issuer+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &RefreshFailed{Status: resp.StatusCode, Body: string(body)}
	}
	var parsed apiKeyExchangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("api key exchange response missing access_token")
	}
	return parsed.AccessToken, nil
}

// accessTokenExpiry parses the JWT exp claim from accessToken (spec §9:
// "needs only to parse the payload's exp ... signature verification is
// unnecessary — upstream enforces it"), falling back to now+expiresIn when
// the token isn't a parseable JWT.
func accessTokenExpiry(accessToken string, expiresIn int64) *time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err == nil {
		if expFloat, ok := claims["exp"].(float64); ok {
			t := time.Unix(int64(expFloat), 0)
			return &t
		}
	}
	if expiresIn > 0 {
		t := time.Now().Add(time.Duration(expiresIn) * time.Second)
		return &t
	}
	return nil
}

// RunTick processes one poll tick: list_tokens_due_for_refresh(now, batch)
// and refresh each due token, touching its refresh-attempt timestamp either
// way (spec §4.2).
func (r *TokenRefresher) RunTick(ctx context.Context, batch int) {
	due, err := r.storage.ListTokensDueForRefresh(ctx, time.Now(), batch)
	if err != nil {
		log.Printf("event=token_refresh_list_failed err=%v", err)
		return
	}
	for _, token := range due {
		attemptAt := time.Now()
		if err := r.storage.TouchTokenRefreshAttempt(ctx, token.AccountID, attemptAt); err != nil {
			log.Printf("event=token_refresh_touch_failed account_id=%s err=%v", token.AccountID, err)
		}
		if err := r.RefreshOne(ctx, token); err != nil {
			log.Printf("event=token_refresh_failed account_id=%s err=%v", token.AccountID, err)
		}
	}
}
