package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotIncomingHeaders_XAPIKeyTakesPriority(t *testing.T) {
	h := http.Header{}
	h.Set("x-api-key", "sk-123")
	h.Set("Authorization", "Bearer other-token")

	snap := SnapshotIncomingHeaders(h)
	key, ok := snap.PlatformKey()
	require.True(t, ok)
	require.Equal(t, "sk-123", key)
}

func TestSnapshotIncomingHeaders_StrictBearerParsing(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "bearer lowercase-scheme")

	snap := SnapshotIncomingHeaders(h)
	_, ok := snap.PlatformKey()
	require.False(t, ok, "PlatformKey requires the exact 'Bearer ' prefix")

	material, ok := snap.StickyKeyMaterial()
	require.True(t, ok, "StickyKeyMaterial accepts a case-insensitive bearer scheme")
	require.Equal(t, "lowercase-scheme", material)
}

func TestSnapshotIncomingHeaders_SessionAndTurnState(t *testing.T) {
	h := http.Header{}
	h.Set("session_id", "sess-1")
	h.Set("conversation_id", "conv-1")
	h.Set("x-codex-turn-state", "turn-1")

	snap := SnapshotIncomingHeaders(h)
	sessionID, ok := snap.SessionID()
	require.True(t, ok)
	require.Equal(t, "sess-1", sessionID)

	conversationID, ok := snap.ConversationID()
	require.True(t, ok)
	require.Equal(t, "conv-1", conversationID)

	turnState, ok := snap.TurnState()
	require.True(t, ok)
	require.Equal(t, "turn-1", turnState)
}

func TestSnapshotIncomingHeaders_MissingFieldsReportAbsent(t *testing.T) {
	snap := SnapshotIncomingHeaders(http.Header{})
	_, ok := snap.PlatformKey()
	require.False(t, ok)
	_, ok = snap.SessionID()
	require.False(t, ok)
}
