package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// StoragePostgres is the StorageFacade implementation backing the gateway's
// own tables, deliberately independent of the billing domain's ent-generated
// repository (spec §6.2: "the gateway owns its storage; it does not share
// schema or a transaction scope with the rest of the application").
type StoragePostgres struct {
	db *sql.DB
}

// NewStoragePostgres opens a connection pool against dsn (a standard
// lib/pq connection string).
func NewStoragePostgres(dsn string) (*StoragePostgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway storage: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &StoragePostgres{db: db}, nil
}

// Close releases the underlying connection pool, used on shutdown.
func (s *StoragePostgres) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the gateway's tables if absent and performs the
// idempotent column additions spec §4.1 names (access_token_exp,
// next_refresh_at, last_refresh_attempt_at, api_key_access_token).
func (s *StoragePostgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS gateway_accounts (
			id TEXT PRIMARY KEY,
			chatgpt_account_id TEXT,
			workspace_id TEXT,
			sort_order INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_tokens (
			account_id TEXT PRIMARY KEY REFERENCES gateway_accounts(id) ON DELETE CASCADE,
			id_token TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			api_key_access_token TEXT,
			last_refresh TIMESTAMPTZ NOT NULL DEFAULT now(),
			access_token_exp TIMESTAMPTZ,
			next_refresh_at TIMESTAMPTZ,
			last_refresh_attempt_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_api_keys (
			id TEXT PRIMARY KEY,
			name TEXT,
			model_slug TEXT,
			reasoning_effort TEXT,
			client_type TEXT NOT NULL DEFAULT '',
			protocol_type TEXT NOT NULL DEFAULT 'openai_compat',
			auth_scheme TEXT NOT NULL DEFAULT 'authorization_bearer',
			upstream_base_url TEXT,
			static_headers_json TEXT,
			key_hash TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_used_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_usage_snapshots (
			id BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES gateway_accounts(id) ON DELETE CASCADE,
			used_percent DOUBLE PRECISION,
			window_minutes INTEGER,
			resets_at TIMESTAMPTZ,
			secondary_used_percent DOUBLE PRECISION,
			secondary_window_minutes INTEGER,
			secondary_resets_at TIMESTAMPTZ,
			credits_json TEXT,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS gateway_usage_snapshots_account_captured_idx
			ON gateway_usage_snapshots(account_id, captured_at DESC)`,
		`CREATE TABLE IF NOT EXISTS gateway_request_logs (
			id BIGSERIAL PRIMARY KEY,
			key_id TEXT NOT NULL,
			account_id TEXT,
			method TEXT NOT NULL,
			request_path TEXT NOT NULL,
			model TEXT,
			reasoning_effort TEXT,
			upstream_url TEXT,
			status_code INTEGER,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_request_token_stats (
			request_log_id BIGINT PRIMARY KEY REFERENCES gateway_request_logs(id) ON DELETE CASCADE,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			cached_input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			reasoning_output_tokens BIGINT NOT NULL DEFAULT 0,
			estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_model_options_cache (
			scope TEXT PRIMARY KEY,
			items_json TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply gateway schema statement: %w", err)
		}
	}
	// Idempotent column additions for rows created by an older schema
	// revision (spec §4.1's backfill contract).
	alterations := []string{
		`ALTER TABLE gateway_tokens ADD COLUMN IF NOT EXISTS access_token_exp TIMESTAMPTZ`,
		`ALTER TABLE gateway_tokens ADD COLUMN IF NOT EXISTS next_refresh_at TIMESTAMPTZ`,
		`ALTER TABLE gateway_tokens ADD COLUMN IF NOT EXISTS last_refresh_attempt_at TIMESTAMPTZ`,
		`ALTER TABLE gateway_tokens ADD COLUMN IF NOT EXISTS api_key_access_token TEXT`,
	}
	for _, stmt := range alterations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to backfill gateway_tokens column: %w", err)
		}
	}
	return nil
}

func (s *StoragePostgres) ListAccountsOrdered(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chatgpt_account_id, workspace_id, sort_order, status, created_at
		FROM gateway_accounts ORDER BY sort_order ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc := &Account{}
		if err := rows.Scan(&acc.ID, &acc.ChatGPTAccountID, &acc.WorkspaceID, &acc.SortOrder, &acc.Status, &acc.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (s *StoragePostgres) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	acc := &Account{}
	err := s.db.QueryRowContext(ctx, `SELECT id, chatgpt_account_id, workspace_id, sort_order, status, created_at
		FROM gateway_accounts WHERE id = $1`, accountID).
		Scan(&acc.ID, &acc.ChatGPTAccountID, &acc.WorkspaceID, &acc.SortOrder, &acc.Status, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *StoragePostgres) UpdateAccountStatusIfChanged(ctx context.Context, accountID string, status AccountStatus, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE gateway_accounts SET status = $1 WHERE id = $2 AND status IS DISTINCT FROM $1`, status, accountID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *StoragePostgres) GetToken(ctx context.Context, accountID string) (*Token, error) {
	tok := &Token{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, `SELECT id_token, access_token, refresh_token, api_key_access_token,
		last_refresh, access_token_exp, next_refresh_at, last_refresh_attempt_at
		FROM gateway_tokens WHERE account_id = $1`, accountID).
		Scan(&tok.IDToken, &tok.AccessToken, &tok.RefreshToken, &tok.APIKeyAccessToken,
			&tok.LastRefresh, &tok.AccessTokenExp, &tok.NextRefreshAt, &tok.LastRefreshAttemptAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *StoragePostgres) UpsertToken(ctx context.Context, token *Token) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO gateway_tokens
		(account_id, id_token, access_token, refresh_token, api_key_access_token, last_refresh, access_token_exp, next_refresh_at, last_refresh_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id) DO UPDATE SET
			id_token = EXCLUDED.id_token,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			api_key_access_token = EXCLUDED.api_key_access_token,
			last_refresh = EXCLUDED.last_refresh,
			access_token_exp = EXCLUDED.access_token_exp,
			next_refresh_at = EXCLUDED.next_refresh_at,
			last_refresh_attempt_at = EXCLUDED.last_refresh_attempt_at`,
		token.AccountID, token.IDToken, token.AccessToken, token.RefreshToken, token.APIKeyAccessToken,
		token.LastRefresh, token.AccessTokenExp, token.NextRefreshAt, token.LastRefreshAttemptAt)
	return err
}

func (s *StoragePostgres) ListTokensDueForRefresh(ctx context.Context, now time.Time, limit int) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, id_token, access_token, refresh_token, api_key_access_token,
		last_refresh, access_token_exp, next_refresh_at, last_refresh_attempt_at
		FROM gateway_tokens
		WHERE refresh_token <> '' AND (next_refresh_at IS NULL OR next_refresh_at <= $1)
		ORDER BY next_refresh_at ASC NULLS FIRST
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		tok := &Token{}
		if err := rows.Scan(&tok.AccountID, &tok.IDToken, &tok.AccessToken, &tok.RefreshToken, &tok.APIKeyAccessToken,
			&tok.LastRefresh, &tok.AccessTokenExp, &tok.NextRefreshAt, &tok.LastRefreshAttemptAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

func (s *StoragePostgres) UpdateTokenRefreshSchedule(ctx context.Context, accountID string, accessTokenExp *time.Time, nextRefreshAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE gateway_tokens SET access_token_exp = $1, next_refresh_at = $2 WHERE account_id = $3`,
		accessTokenExp, nextRefreshAt, accountID)
	return err
}

func (s *StoragePostgres) TouchTokenRefreshAttempt(ctx context.Context, accountID string, attemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE gateway_tokens SET last_refresh_attempt_at = $1 WHERE account_id = $2`, attemptAt, accountID)
	return err
}

func (s *StoragePostgres) GetApiKeyByHash(ctx context.Context, keyHash string) (*ApiKey, error) {
	key := &ApiKey{}
	var reasoningEffort sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, name, model_slug, reasoning_effort, client_type, protocol_type, auth_scheme,
		upstream_base_url, static_headers_json, key_hash, status, created_at, last_used_at
		FROM gateway_api_keys WHERE key_hash = $1`, keyHash).
		Scan(&key.ID, &key.Name, &key.ModelSlug, &reasoningEffort, &key.ClientType, &key.ProtocolType, &key.AuthScheme,
			&key.UpstreamBaseURL, &key.StaticHeadersJSON, &key.KeyHash, &key.Status, &key.CreatedAt, &key.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if reasoningEffort.Valid && reasoningEffort.String != "" {
		effort := ReasoningEffort(reasoningEffort.String)
		key.ReasoningEffort = &effort
	}
	return key, nil
}

func (s *StoragePostgres) InsertUsageSnapshot(ctx context.Context, snapshot *UsageSnapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO gateway_usage_snapshots
		(account_id, used_percent, window_minutes, resets_at, secondary_used_percent, secondary_window_minutes, secondary_resets_at, credits_json, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snapshot.AccountID, snapshot.UsedPercent, snapshot.WindowMinutes, snapshot.ResetsAt,
		snapshot.SecondaryUsedPercent, snapshot.SecondaryWindowMinutes, snapshot.SecondaryResetsAt,
		snapshot.CreditsJSON, snapshot.CapturedAt)
	return err
}

func (s *StoragePostgres) LatestUsageSnapshot(ctx context.Context, accountID string) (*UsageSnapshot, error) {
	snap := &UsageSnapshot{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, `SELECT used_percent, window_minutes, resets_at, secondary_used_percent,
		secondary_window_minutes, secondary_resets_at, credits_json, captured_at
		FROM gateway_usage_snapshots WHERE account_id = $1 ORDER BY captured_at DESC LIMIT 1`, accountID).
		Scan(&snap.UsedPercent, &snap.WindowMinutes, &snap.ResetsAt, &snap.SecondaryUsedPercent,
			&snap.SecondaryWindowMinutes, &snap.SecondaryResetsAt, &snap.CreditsJSON, &snap.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *StoragePostgres) PruneUsageSnapshotsForAccount(ctx context.Context, accountID string, retain int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gateway_usage_snapshots
		WHERE account_id = $1 AND id NOT IN (
			SELECT id FROM gateway_usage_snapshots WHERE account_id = $1 ORDER BY captured_at DESC LIMIT $2
		)`, accountID, retain)
	return err
}

func (s *StoragePostgres) InsertRequestLog(ctx context.Context, entry *RequestLog, stat *RequestTokenStat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `INSERT INTO gateway_request_logs
		(key_id, account_id, method, request_path, model, reasoning_effort, upstream_url, status_code, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		entry.KeyID, entry.AccountID, entry.Method, entry.RequestPath, entry.Model, entry.ReasoningEffort,
		entry.UpstreamURL, entry.StatusCode, entry.Error, entry.CreatedAt).Scan(&id)
	if err != nil {
		return err
	}
	entry.ID = id
	stat.RequestLogID = id

	_, err = tx.ExecContext(ctx, `INSERT INTO gateway_request_token_stats
		(request_log_id, input_tokens, cached_input_tokens, output_tokens, reasoning_output_tokens, estimated_cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, stat.InputTokens, stat.CachedInputTokens, stat.OutputTokens, stat.ReasoningOutputTokens, stat.EstimatedCostUSD)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *StoragePostgres) ListRequestLogs(ctx context.Context, query RequestLogQuery, limit, offset int) ([]*RequestLog, error) {
	where, args := buildRequestLogWhere(query)
	sqlStr := fmt.Sprintf(`SELECT id, key_id, account_id, method, request_path, model, reasoning_effort,
		upstream_url, status_code, error, created_at
		FROM gateway_request_logs %s ORDER BY created_at DESC LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		entry := &RequestLog{}
		if err := rows.Scan(&entry.ID, &entry.KeyID, &entry.AccountID, &entry.Method, &entry.RequestPath, &entry.Model,
			&entry.ReasoningEffort, &entry.UpstreamURL, &entry.StatusCode, &entry.Error, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *StoragePostgres) SummarizeRequestTokenStatsBetween(ctx context.Context, start, end time.Time) (*RequestTokenStat, error) {
	stat := &RequestTokenStat{}
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(t.input_tokens), 0), COALESCE(SUM(t.cached_input_tokens), 0),
		COALESCE(SUM(t.output_tokens), 0), COALESCE(SUM(t.reasoning_output_tokens), 0), COALESCE(SUM(t.estimated_cost_usd), 0)
		FROM gateway_request_token_stats t
		JOIN gateway_request_logs l ON l.id = t.request_log_id
		WHERE l.created_at >= $1 AND l.created_at < $2`, start, end).
		Scan(&stat.InputTokens, &stat.CachedInputTokens, &stat.OutputTokens, &stat.ReasoningOutputTokens, &stat.EstimatedCostUSD)
	if err != nil {
		return nil, err
	}
	return stat, nil
}

func (s *StoragePostgres) UpsertModelOptionsCache(ctx context.Context, scope string, itemsJSON string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO gateway_model_options_cache (scope, items_json, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope) DO UPDATE SET items_json = EXCLUDED.items_json, updated_at = EXCLUDED.updated_at`,
		scope, itemsJSON, updatedAt)
	return err
}

// buildRequestLogWhere translates a RequestLogQuery into a SQL WHERE clause
// and its positional ($1, $2, ...) arguments.
func buildRequestLogWhere(q RequestLogQuery) (string, []any) {
	switch q.Kind {
	case QueryFieldExact:
		return fmt.Sprintf("WHERE %s = $1", pqIdentifier(q.Column)), []any{q.Value}
	case QueryFieldLike:
		return fmt.Sprintf("WHERE %s ILIKE $1", pqIdentifier(q.Column)), []any{q.LikePattern()}
	case QueryStatusRange:
		return "WHERE status_code BETWEEN $1 AND $2", []any{q.RangeLo, q.RangeHi}
	case QueryGlobalLike:
		pattern := q.LikePattern()
		return `WHERE request_path ILIKE $1 OR model ILIKE $1 OR error ILIKE $1 OR upstream_url ILIKE $1`, []any{pattern}
	default: // QueryAll
		return "", nil
	}
}

// pqIdentifier validates col against the known request-log columns so it can
// be safely interpolated into a WHERE clause (it is never derived from raw
// user text — only from requestLogQueryPrefixes's fixed value set).
func pqIdentifier(col string) string {
	switch col {
	case "account_id", "request_path", "method", "model", "reasoning_effort", "error", "key_id", "upstream_url", "status_code":
		return col
	default:
		return "1=1"
	}
}
