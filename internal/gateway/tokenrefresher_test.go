package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeJWTWithExp(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestAccessTokenExpiry_ParsesJWTExpClaim(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := fakeJWTWithExp(t, exp)
	got := accessTokenExpiry(token, 0)
	require.NotNil(t, got)
	require.True(t, got.Equal(exp))
}

func TestAccessTokenExpiry_FallsBackToExpiresInWhenNotAJWT(t *testing.T) {
	got := accessTokenExpiry("not-a-jwt", 3600)
	require.NotNil(t, got)
	require.WithinDuration(t, time.Now().Add(time.Hour), *got, 5*time.Second)
}

func TestAccessTokenExpiry_NilWhenNeitherAvailable(t *testing.T) {
	require.Nil(t, accessTokenExpiry("not-a-jwt", 0))
}

func TestTokenRefresher_RefreshOne_UpdatesTokenAndSchedule(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	jwtStr := fakeJWTWithExp(t, exp)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  jwtStr,
			"refresh_token": "new-refresh",
		})
	}))
	defer server.Close()

	storage := newFakeStorage()
	refresher := NewTokenRefresher(storage, server.Client(), server.URL, "client-id")

	token := &Token{AccountID: "acc-1", RefreshToken: "old-refresh"}
	storage.tokens["acc-1"] = token

	err := refresher.RefreshOne(context.Background(), token)
	require.NoError(t, err)

	require.Equal(t, jwtStr, token.AccessToken)
	require.Equal(t, "new-refresh", token.RefreshToken)
	require.NotNil(t, token.AccessTokenExp)
	require.True(t, token.AccessTokenExp.Equal(exp))
	require.NotNil(t, token.NextRefreshAt)
	require.True(t, token.NextRefreshAt.Equal(exp.Add(-tokenRefreshLeadTime)))

	stored := storage.tokens["acc-1"]
	require.Equal(t, jwtStr, stored.AccessToken)
}

func TestTokenRefresher_RefreshOne_NonOKStatusReturnsRefreshFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid_grant"))
	}))
	defer server.Close()

	storage := newFakeStorage()
	refresher := NewTokenRefresher(storage, server.Client(), server.URL, "client-id")
	token := &Token{AccountID: "acc-1", RefreshToken: "old-refresh"}

	err := refresher.RefreshOne(context.Background(), token)
	require.Error(t, err)
	var refreshFailed *RefreshFailed
	require.ErrorAs(t, err, &refreshFailed)
	require.Equal(t, http.StatusUnauthorized, refreshFailed.Status)
}

func TestTokenRefresher_RefreshOne_KeepsOldRefreshTokenWhenResponseOmitsIt(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	jwtStr := fakeJWTWithExp(t, exp)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": jwtStr})
	}))
	defer server.Close()

	storage := newFakeStorage()
	refresher := NewTokenRefresher(storage, server.Client(), server.URL, "client-id")
	token := &Token{AccountID: "acc-1", RefreshToken: "old-refresh"}

	err := refresher.RefreshOne(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "old-refresh", token.RefreshToken)
}

func TestTokenRefresher_RunTick_TouchesAndRefreshesDueTokens(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	jwtStr := fakeJWTWithExp(t, exp)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": jwtStr})
	}))
	defer server.Close()

	storage := newFakeStorage()
	past := time.Now().Add(-time.Minute)
	due := &Token{AccountID: "acc-1", RefreshToken: "old-refresh", NextRefreshAt: &past}
	storage.tokens["acc-1"] = due

	refresher := NewTokenRefresher(storage, server.Client(), server.URL, "client-id")
	refresher.RunTick(context.Background(), 10)

	require.NotNil(t, storage.tokens["acc-1"].LastRefreshAttemptAt)
	require.Equal(t, jwtStr, storage.tokens["acc-1"].AccessToken)
}
