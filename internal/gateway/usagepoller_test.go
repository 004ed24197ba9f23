package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUsageEndpoint_AppendsWhamUsageForBackendAPIHost(t *testing.T) {
	require.Equal(t, "https://chatgpt.com/backend-api/wham/usage", UsageEndpoint("https://chatgpt.com"))
}

func TestUsageEndpoint_AppendsCodexUsageForOtherHosts(t *testing.T) {
	require.Equal(t, "https://proxy.example.com/api/codex/usage", UsageEndpoint("https://proxy.example.com"))
}

func TestParseUsageSnapshot_ParsesBothWindows(t *testing.T) {
	body := []byte(`{
		"rate_limit": {
			"primary_window": {"used_percent": 42.5, "limit_window_seconds": 3600, "reset_at": 1700000000},
			"secondary_window": {"used_percent": 10, "limit_window_seconds": 604800, "reset_at": 1700600000}
		},
		"credits": {"balance": 5}
	}`)
	snap, err := ParseUsageSnapshot("acc-1", body, time.Now())
	require.NoError(t, err)
	require.NotNil(t, snap.UsedPercent)
	require.Equal(t, 42.5, *snap.UsedPercent)
	require.NotNil(t, snap.WindowMinutes)
	require.Equal(t, 60, *snap.WindowMinutes)
	require.NotNil(t, snap.SecondaryUsedPercent)
	require.Equal(t, float64(10), *snap.SecondaryUsedPercent)
	require.NotNil(t, snap.CreditsJSON)
}

func TestParseUsageSnapshot_MissingRateLimitYieldsEmptySnapshot(t *testing.T) {
	snap, err := ParseUsageSnapshot("acc-1", []byte(`{}`), time.Now())
	require.NoError(t, err)
	require.Nil(t, snap.UsedPercent)
}

func TestClassifyAvailability_MissingPrimaryIsUnknown(t *testing.T) {
	state, reason := ClassifyAvailability(&UsageSnapshot{})
	require.Equal(t, AvailabilityUnknown, state)
	require.Equal(t, "usage_missing_primary", reason)
}

func TestClassifyAvailability_PrimaryExhaustedIsUnavailable(t *testing.T) {
	used := 100.0
	state, _ := ClassifyAvailability(&UsageSnapshot{UsedPercent: &used})
	require.Equal(t, AvailabilityUnavailable, state)
}

func TestClassifyAvailability_SecondaryAbsentIsPrimaryOnly(t *testing.T) {
	used := 10.0
	state, _ := ClassifyAvailability(&UsageSnapshot{UsedPercent: &used})
	require.Equal(t, AvailabilityPrimaryOnly, state)
}

func TestClassifyAvailability_SecondaryPartiallyPresentIsUnknown(t *testing.T) {
	used := 10.0
	secondaryUsed := 5.0
	state, reason := ClassifyAvailability(&UsageSnapshot{UsedPercent: &used, SecondaryUsedPercent: &secondaryUsed})
	require.Equal(t, AvailabilityUnknown, state)
	require.Equal(t, "usage_missing_secondary", reason)
}

func TestClassifyAvailability_BothWindowsHealthyIsAvailable(t *testing.T) {
	used := 10.0
	secondaryUsed := 5.0
	windowMinutes := 60
	state, reason := ClassifyAvailability(&UsageSnapshot{
		UsedPercent:            &used,
		SecondaryUsedPercent:   &secondaryUsed,
		SecondaryWindowMinutes: &windowMinutes,
	})
	require.Equal(t, AvailabilityAvailable, state)
	require.Equal(t, "", reason)
}

func TestClassifyAvailability_SecondaryExhaustedIsUnavailable(t *testing.T) {
	used := 10.0
	secondaryUsed := 100.0
	windowMinutes := 60
	state, reason := ClassifyAvailability(&UsageSnapshot{
		UsedPercent:            &used,
		SecondaryUsedPercent:   &secondaryUsed,
		SecondaryWindowMinutes: &windowMinutes,
	})
	require.Equal(t, AvailabilityUnavailable, state)
	require.Equal(t, "usage_exhausted_secondary", reason)
}
