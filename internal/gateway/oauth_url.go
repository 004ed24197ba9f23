package gateway

import (
	"fmt"
	"net/url"

	openai "github.com/Wei-Shaw/sub2api/internal/pkg/openai"
)

// BuildAuthorizeURLInput is the input to BuildAuthorizeURL (spec §8 scenario 6).
type BuildAuthorizeURLInput struct {
	State               string
	CodeChallenge       string
	RedirectURI         string
	AllowedWorkspaceID  string
}

// BuildAuthorizeURL builds the Codex CLI OAuth authorize URL, extending the
// teacher's openai.BuildAuthorizationURL with the allowed_workspace_id and
// originator params the retrieval's oauth_authorize.rs sends and the
// teacher's version omits (the gateway needs strict parity with the Codex
// CLI's own authorize request for device/workspace-pinned logins to succeed).
func BuildAuthorizeURL(in BuildAuthorizeURLInput) string {
	redirectURI := in.RedirectURI
	if redirectURI == "" {
		redirectURI = openai.DefaultRedirectURI
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", openai.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", openai.DefaultScopes)
	params.Set("state", in.State)
	params.Set("code_challenge", in.CodeChallenge)
	params.Set("code_challenge_method", "S256")
	params.Set("id_token_add_organizations", "true")
	params.Set("codex_cli_simplified_flow", "true")
	params.Set("originator", "codex_cli")
	if in.AllowedWorkspaceID != "" {
		params.Set("allowed_workspace_id", in.AllowedWorkspaceID)
	}

	return fmt.Sprintf("%s?%s", openai.AuthorizeURL, params.Encode())
}
