package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRemaining_FlooredAtZero(t *testing.T) {
	require.Equal(t, time.Duration(0), Remaining(time.Now().Add(-time.Minute)))
	require.Greater(t, Remaining(time.Now().Add(time.Minute)), time.Duration(0))
}

func TestIsExpired(t *testing.T) {
	require.True(t, IsExpired(time.Now().Add(-time.Second)))
	require.False(t, IsExpired(time.Now().Add(time.Minute)))
}

func TestCapWait_ExpiredDeadlineReturnsFalse(t *testing.T) {
	_, ok := CapWait(time.Second, time.Now().Add(-time.Second))
	require.False(t, ok)
}

func TestCapWait_CapsToRemaining(t *testing.T) {
	deadline := time.Now().Add(100 * time.Millisecond)
	wait, ok := CapWait(time.Second, deadline)
	require.True(t, ok)
	require.LessOrEqual(t, wait, 150*time.Millisecond)
}

func TestCapWait_PassesThroughWhenUnderRemaining(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	wait, ok := CapWait(time.Second, deadline)
	require.True(t, ok)
	require.Equal(t, time.Second, wait)
}

func TestSendTimeout_StreamUsesConfiguredTimeoutWhenDeadlineIsFar(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	timeout := SendTimeout(deadline, true, 30*time.Second)
	require.Equal(t, 30*time.Second, timeout)
}

func TestSendTimeout_StreamCappedByNearDeadline(t *testing.T) {
	deadline := time.Now().Add(50 * time.Millisecond)
	timeout := SendTimeout(deadline, true, 30*time.Second)
	require.LessOrEqual(t, timeout, 100*time.Millisecond)
}

func TestSendTimeout_NonStreamAlwaysUsesRemainingDeadline(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	timeout := SendTimeout(deadline, false, 30*time.Second)
	require.Greater(t, timeout, 30*time.Second)
}

func TestSendTimeout_FlooredAtOneMillisecond(t *testing.T) {
	timeout := SendTimeout(time.Now().Add(-time.Second), false, 0)
	require.Equal(t, time.Millisecond, timeout)
}
