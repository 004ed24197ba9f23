package gateway

import (
	"context"
	"time"
)

// StorageFacade is the transactional store the core gateway depends on
// (spec §4.1/§6.2). Backing implementation is free; StoragePostgres is the
// one shipped with this module. The store must be transactional for
// single-row writes and provide conditional-update semantics for
// UpdateAccountStatusIfChanged.
type StorageFacade interface {
	// Accounts
	ListAccountsOrdered(ctx context.Context) ([]*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// UpdateAccountStatusIfChanged returns whether the row actually changed,
	// so callers can suppress duplicate status-transition events.
	UpdateAccountStatusIfChanged(ctx context.Context, accountID string, status AccountStatus, reason string) (changed bool, err error)

	// Tokens
	GetToken(ctx context.Context, accountID string) (*Token, error)
	UpsertToken(ctx context.Context, token *Token) error
	ListTokensDueForRefresh(ctx context.Context, now time.Time, limit int) ([]*Token, error)
	UpdateTokenRefreshSchedule(ctx context.Context, accountID string, accessTokenExp *time.Time, nextRefreshAt *time.Time) error
	TouchTokenRefreshAttempt(ctx context.Context, accountID string, attemptAt time.Time) error

	// ApiKeys
	GetApiKeyByHash(ctx context.Context, keyHash string) (*ApiKey, error)

	// Usage snapshots
	InsertUsageSnapshot(ctx context.Context, snapshot *UsageSnapshot) error
	LatestUsageSnapshot(ctx context.Context, accountID string) (*UsageSnapshot, error)
	PruneUsageSnapshotsForAccount(ctx context.Context, accountID string, retain int) error

	// Request logs / token stats
	InsertRequestLog(ctx context.Context, log *RequestLog, stat *RequestTokenStat) error
	ListRequestLogs(ctx context.Context, query RequestLogQuery, limit, offset int) ([]*RequestLog, error)
	SummarizeRequestTokenStatsBetween(ctx context.Context, start, end time.Time) (*RequestTokenStat, error)

	// Model-options cache (consumed by the out-of-scope RPC surface; kept
	// here because the StorageFacade contract in spec §4.1 names it).
	UpsertModelOptionsCache(ctx context.Context, scope string, itemsJSON string, updatedAt time.Time) error

	// EnsureSchema performs idempotent on-first-open schema evolution
	// (spec §4.1: adding columns, backfilling request_token_stats).
	EnsureSchema(ctx context.Context) error
}
