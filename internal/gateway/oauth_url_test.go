package gateway

import (
	"net/url"
	"testing"

	openai "github.com/Wei-Shaw/sub2api/internal/pkg/openai"
	"github.com/stretchr/testify/require"
)

func TestBuildAuthorizeURL_IncludesWorkspaceAndOriginator(t *testing.T) {
	raw := BuildAuthorizeURL(BuildAuthorizeURLInput{
		State:              "state-1",
		CodeChallenge:      "challenge-1",
		AllowedWorkspaceID: "ws-1",
	})

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, openai.AuthorizeURL, parsed.Scheme+"://"+parsed.Host+parsed.Path)

	q := parsed.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, openai.ClientID, q.Get("client_id"))
	require.Equal(t, openai.DefaultRedirectURI, q.Get("redirect_uri"))
	require.Equal(t, "state-1", q.Get("state"))
	require.Equal(t, "challenge-1", q.Get("code_challenge"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, "true", q.Get("id_token_add_organizations"))
	require.Equal(t, "true", q.Get("codex_cli_simplified_flow"))
	require.Equal(t, "codex_cli", q.Get("originator"))
	require.Equal(t, "ws-1", q.Get("allowed_workspace_id"))
}

func TestBuildAuthorizeURL_OmitsWorkspaceWhenAbsent(t *testing.T) {
	raw := BuildAuthorizeURL(BuildAuthorizeURLInput{State: "state-1", CodeChallenge: "challenge-1"})
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.False(t, parsed.Query().Has("allowed_workspace_id"))
}

func TestBuildAuthorizeURL_CustomRedirectURI(t *testing.T) {
	raw := BuildAuthorizeURL(BuildAuthorizeURLInput{
		State:         "state-1",
		CodeChallenge: "challenge-1",
		RedirectURI:   "http://localhost:1455/auth/callback",
	})
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:1455/auth/callback", parsed.Query().Get("redirect_uri"))
}
