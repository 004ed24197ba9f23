package gateway

import (
	"context"
	"sync"
	"time"
)

// fakeStorage is a minimal in-memory StorageFacade stub for unit tests that
// don't need a real database, following the teacher's preference for
// hand-written fakes over a generated mock package (none of go.mod's
// dependencies include a mocking library).
type fakeStorage struct {
	accounts      []*Account
	tokens        map[string]*Token
	apiKeys       map[string]*ApiKey
	insertedLogs  []*RequestLog
	insertedStats []*RequestTokenStat

	mu                       sync.Mutex
	snapshots                map[string]*UsageSnapshot
	latestUsageSnapshotCalls int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{tokens: map[string]*Token{}, apiKeys: map[string]*ApiKey{}}
}

func (f *fakeStorage) ListAccountsOrdered(ctx context.Context) ([]*Account, error) {
	return f.accounts, nil
}

func (f *fakeStorage) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	for _, a := range f.accounts {
		if a.ID == accountID {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeStorage) UpdateAccountStatusIfChanged(ctx context.Context, accountID string, status AccountStatus, reason string) (bool, error) {
	for _, a := range f.accounts {
		if a.ID == accountID {
			if a.Status == status {
				return false, nil
			}
			a.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStorage) GetToken(ctx context.Context, accountID string) (*Token, error) {
	return f.tokens[accountID], nil
}

func (f *fakeStorage) UpsertToken(ctx context.Context, token *Token) error {
	f.tokens[token.AccountID] = token
	return nil
}

func (f *fakeStorage) ListTokensDueForRefresh(ctx context.Context, now time.Time, limit int) ([]*Token, error) {
	var due []*Token
	for _, t := range f.tokens {
		if t.NextRefreshAt == nil || !t.NextRefreshAt.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (f *fakeStorage) UpdateTokenRefreshSchedule(ctx context.Context, accountID string, accessTokenExp *time.Time, nextRefreshAt *time.Time) error {
	if t, ok := f.tokens[accountID]; ok {
		t.AccessTokenExp = accessTokenExp
		t.NextRefreshAt = nextRefreshAt
	}
	return nil
}

func (f *fakeStorage) TouchTokenRefreshAttempt(ctx context.Context, accountID string, attemptAt time.Time) error {
	if t, ok := f.tokens[accountID]; ok {
		t.LastRefreshAttemptAt = &attemptAt
	}
	return nil
}

func (f *fakeStorage) GetApiKeyByHash(ctx context.Context, keyHash string) (*ApiKey, error) {
	return f.apiKeys[keyHash], nil
}

func (f *fakeStorage) InsertUsageSnapshot(ctx context.Context, snapshot *UsageSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots == nil {
		f.snapshots = map[string]*UsageSnapshot{}
	}
	f.snapshots[snapshot.AccountID] = snapshot
	return nil
}

func (f *fakeStorage) LatestUsageSnapshot(ctx context.Context, accountID string) (*UsageSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestUsageSnapshotCalls++
	return f.snapshots[accountID], nil
}

func (f *fakeStorage) setSnapshot(snap *UsageSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots == nil {
		f.snapshots = map[string]*UsageSnapshot{}
	}
	f.snapshots[snap.AccountID] = snap
}

func (f *fakeStorage) latestUsageSnapshotCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestUsageSnapshotCalls
}

func (f *fakeStorage) PruneUsageSnapshotsForAccount(ctx context.Context, accountID string, retain int) error {
	return nil
}

func (f *fakeStorage) InsertRequestLog(ctx context.Context, log *RequestLog, stat *RequestTokenStat) error {
	f.insertedLogs = append(f.insertedLogs, log)
	f.insertedStats = append(f.insertedStats, stat)
	return nil
}

func (f *fakeStorage) ListRequestLogs(ctx context.Context, query RequestLogQuery, limit, offset int) ([]*RequestLog, error) {
	return nil, nil
}

func (f *fakeStorage) SummarizeRequestTokenStatsBetween(ctx context.Context, start, end time.Time) (*RequestTokenStat, error) {
	return &RequestTokenStat{}, nil
}

func (f *fakeStorage) UpsertModelOptionsCache(ctx context.Context, scope string, itemsJSON string, updatedAt time.Time) error {
	return nil
}

func (f *fakeStorage) EnsureSchema(ctx context.Context) error {
	return nil
}

var _ StorageFacade = (*fakeStorage)(nil)
