package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsHopByHopHeader(t *testing.T) {
	require.True(t, IsHopByHopHeader("Connection"))
	require.True(t, IsHopByHopHeader("transfer-encoding"))
	require.False(t, IsHopByHopHeader("Authorization"))
}

func TestShouldSkipRequestHeader(t *testing.T) {
	require.True(t, ShouldSkipRequestHeader("Host", "example.com"))
	require.True(t, ShouldSkipRequestHeader("Content-Length", "123"))
	require.True(t, ShouldSkipRequestHeader("x-codex-turn-metadata", "anything"))
	require.True(t, ShouldSkipRequestHeader("X-Custom", "\xff\xfe"))
	require.False(t, ShouldSkipRequestHeader("Authorization", "Bearer abc"))
}

func TestShouldSkipResponseHeader(t *testing.T) {
	require.True(t, ShouldSkipResponseHeader("Content-Length"))
	require.True(t, ShouldSkipResponseHeader("Connection"))
	require.False(t, ShouldSkipResponseHeader("Content-Type"))
	// Host filtering and the ASCII check only apply to requests.
	require.False(t, ShouldSkipResponseHeader("Host"))
}
