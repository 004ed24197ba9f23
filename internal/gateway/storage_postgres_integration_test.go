//go:build integration

package gateway

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const storagePostgresImageTag = "postgres:18.1-alpine3.23"

func newIntegrationStorage(t *testing.T) *StoragePostgres {
	t.Helper()
	ctx := context.Background()
	if !dockerAvailable(ctx) {
		if os.Getenv("CI") != "" {
			t.Fatalf("docker is not available (CI=true); failing integration test")
		}
		t.Skip("docker is not available; skipping integration test")
	}

	container, err := tcpostgres.Run(
		ctx,
		storagePostgresImageTag,
		tcpostgres.WithDatabase("codexmanager_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storage, err := NewStoragePostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	require.NoError(t, storage.EnsureSchema(ctx))
	return storage
}

func insertFixtureAccount(t *testing.T, storage *StoragePostgres, id string) {
	t.Helper()
	_, err := storage.db.ExecContext(context.Background(),
		`INSERT INTO gateway_accounts (id, status) VALUES ($1, $2)`, id, AccountStatusActive)
	require.NoError(t, err)
}

// TestStoragePostgres_EnsureSchemaIsIdempotent covers spec §4.1's backfill
// contract: running EnsureSchema twice against the same database must not
// error, and the additive columns it backfills must exist afterward.
func TestStoragePostgres_EnsureSchemaIsIdempotent(t *testing.T) {
	storage := newIntegrationStorage(t)
	require.NoError(t, storage.EnsureSchema(context.Background()))

	var columnCount int
	err := storage.db.QueryRowContext(context.Background(), `
		SELECT count(*) FROM information_schema.columns
		WHERE table_name = 'gateway_tokens' AND column_name IN
			('access_token_exp', 'next_refresh_at', 'last_refresh_attempt_at', 'api_key_access_token')`).
		Scan(&columnCount)
	require.NoError(t, err)
	require.Equal(t, 4, columnCount)
}

// TestStoragePostgres_AccountAndTokenRoundTrip covers the GetAccount/
// UpsertToken/GetToken path TokenRefresher and CandidateSelector depend on.
func TestStoragePostgres_AccountAndTokenRoundTrip(t *testing.T) {
	storage := newIntegrationStorage(t)
	ctx := context.Background()
	insertFixtureAccount(t, storage, "acc-1")

	acc, err := storage.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, acc)
	require.Equal(t, AccountStatusActive, acc.Status)

	missing, err := storage.GetAccount(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, missing)

	exp := time.Now().Add(time.Hour).UTC()
	require.NoError(t, storage.UpsertToken(ctx, &Token{
		AccountID:      "acc-1",
		AccessToken:    "access-1",
		RefreshToken:   "refresh-1",
		LastRefresh:    time.Now().UTC(),
		AccessTokenExp: &exp,
	}))

	tok, err := storage.GetToken(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, tok)
	require.Equal(t, "access-1", tok.AccessToken)
	require.Equal(t, "refresh-1", tok.RefreshToken)

	changed, err := storage.UpdateAccountStatusIfChanged(ctx, "acc-1", AccountStatusInactive, "rate_limited")
	require.NoError(t, err)
	require.True(t, changed, "status actually changed, expect true")

	changedAgain, err := storage.UpdateAccountStatusIfChanged(ctx, "acc-1", AccountStatusInactive, "rate_limited")
	require.NoError(t, err)
	require.False(t, changedAgain, "status unchanged, expect false")
}

// TestStoragePostgres_UsageSnapshotRoundTripAndPrune covers spec §4.3's
// retention contract: InsertUsageSnapshot/LatestUsageSnapshot/
// PruneUsageSnapshotsForAccount against a real database.
func TestStoragePostgres_UsageSnapshotRoundTripAndPrune(t *testing.T) {
	storage := newIntegrationStorage(t)
	ctx := context.Background()
	insertFixtureAccount(t, storage, "acc-1")

	for i := 0; i < 5; i++ {
		pct := float64(i * 10)
		require.NoError(t, storage.InsertUsageSnapshot(ctx, &UsageSnapshot{
			AccountID:   "acc-1",
			UsedPercent: &pct,
			CapturedAt:  time.Now().Add(time.Duration(i) * time.Second).UTC(),
		}))
	}

	latest, err := storage.LatestUsageSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, float64(40), *latest.UsedPercent)

	require.NoError(t, storage.PruneUsageSnapshotsForAccount(ctx, "acc-1", 2))

	var remaining int
	require.NoError(t, storage.db.QueryRowContext(ctx,
		`SELECT count(*) FROM gateway_usage_snapshots WHERE account_id = $1`, "acc-1").Scan(&remaining))
	require.Equal(t, 2, remaining)
}
