package gateway

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default and minimum background-loop intervals (spec §6.3), ported from
// gpttools-service/src/usage/usage_scheduler.rs's constants.
const (
	DefaultUsagePollIntervalSecs      uint64 = 600
	DefaultGatewayKeepaliveIntervalSecs uint64 = 180
	DefaultTokenRefreshIntervalSecs   uint64 = 60
	MinUsagePollIntervalSecs         uint64 = 30
	MinGatewayKeepaliveIntervalSecs  uint64 = 30
	MinTokenRefreshIntervalSecs      uint64 = 30

	// DefaultUsageSnapshotsRetainPerAccount is spec §3's retention default.
	DefaultUsageSnapshotsRetainPerAccount = 200
)

// GatewayRuntimeConfig holds the CodexManager gateway's runtime-tunable
// settings (spec §6.3), bound from CODEXMANAGER_* environment variables
// through its own dedicated viper instance.
type GatewayRuntimeConfig struct {
	// DBPath is the storage backend's DSN (spec §6.2's StorageFacade backing store).
	DBPath string

	// ListenAddr is the address cmd/gateway binds its HTTP listener to.
	ListenAddr string

	// RPCToken/RPCTokenFile gate the local management RPC surface (spec §6.3);
	// exactly one is normally set.
	RPCToken     string
	RPCTokenFile string

	// UpstreamBaseURL is the default ChatGPT-backend base (spec §4.8).
	UpstreamBaseURL string
	// FallbackBaseURL is the OpenAI public API base used on fallback (spec §4.10).
	FallbackBaseURL string
	// UpstreamCookie is sent as the upstream Cookie header unless CPANoCookieHeaderMode
	// disables it (spec §9).
	UpstreamCookie        string
	CPANoCookieHeaderMode bool
	// StripSessionAffinity disables sticky session/conversation derivation (spec §4.9).
	StripSessionAffinity bool
	// DisableChallengeStatelessRetry skips the stateless retry leg on a
	// Cloudflare/WAF challenge response (spec §4.10 scenario 5).
	DisableChallengeStatelessRetry bool

	// StreamTimeout bounds a single streamed upstream attempt (spec §4.9's
	// per-attempt deadline = min(remaining_deadline, stream_timeout)).
	StreamTimeout time.Duration
	// TotalTimeout bounds one inbound request's full attempt-pipeline run.
	TotalTimeout time.Duration

	// AccountMaxInflight is the soft backpressure cap per account (spec §4.6);
	// the last remaining candidate is always attempted regardless of this cap.
	AccountMaxInflight int

	// UsageSnapshotsRetainPerAccount bounds UsagePoller's prune_usage_snapshots_for_account.
	UsageSnapshotsRetainPerAccount int

	// Background-loop intervals, each clamped to its Min*IntervalSecs floor.
	UsagePollIntervalSecs       uint64
	GatewayKeepaliveIntervalSecs uint64
	TokenRefreshIntervalSecs    uint64

	// OAuth issuer/client used by TokenRefresher and oauth_url.go.
	OAuthIssuer   string
	OAuthClientID string

	// RedisAddr, when set, backs RouteHintCache with a cross-instance mirror
	// (spec §4.5's sticky routing otherwise only survives within one
	// process). Empty disables the mirror; lookups/remembers then stay
	// purely in-process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// LoadGatewayRuntimeConfig binds CODEXMANAGER_* environment variables into a
// GatewayRuntimeConfig, following the teacher's config.Load pattern (a
// dedicated viper instance, SetDefault then AutomaticEnv with a prefix)
// rather than sharing the billing Config's global viper instance.
func LoadGatewayRuntimeConfig() (*GatewayRuntimeConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("CODEXMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_path", "./data/codexmanager.db")
	v.SetDefault("listen_addr", ":8088")
	v.SetDefault("upstream_base_url", DefaultUpstreamBaseURL)
	v.SetDefault("fallback_base_url", DefaultFallbackBaseURL)
	v.SetDefault("upstream_cookie", "")
	v.SetDefault("cpa_no_cookie_header_mode", false)
	v.SetDefault("strip_session_affinity", false)
	v.SetDefault("disable_challenge_stateless_retry", false)
	v.SetDefault("stream_timeout_secs", 300)
	v.SetDefault("total_timeout_secs", 600)
	v.SetDefault("account_max_inflight", 4)
	v.SetDefault("usage_snapshots_retain_per_account", DefaultUsageSnapshotsRetainPerAccount)
	v.SetDefault("usage_poll_interval_secs", DefaultUsagePollIntervalSecs)
	v.SetDefault("gateway_keepalive_interval_secs", DefaultGatewayKeepaliveIntervalSecs)
	v.SetDefault("token_refresh_interval_secs", DefaultTokenRefreshIntervalSecs)
	v.SetDefault("oauth_issuer", "https://auth.openai.com")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)

	usagePollRaw := v.GetString("usage_poll_interval_secs")
	keepaliveRaw := v.GetString("gateway_keepalive_interval_secs")
	tokenRefreshRaw := v.GetString("token_refresh_interval_secs")

	cfg := &GatewayRuntimeConfig{
		DBPath:                         v.GetString("db_path"),
		ListenAddr:                     v.GetString("listen_addr"),
		RPCToken:                       v.GetString("rpc_token"),
		RPCTokenFile:                   v.GetString("rpc_token_file"),
		UpstreamBaseURL:                v.GetString("upstream_base_url"),
		FallbackBaseURL:                v.GetString("fallback_base_url"),
		UpstreamCookie:                 v.GetString("upstream_cookie"),
		CPANoCookieHeaderMode:          v.GetBool("cpa_no_cookie_header_mode"),
		StripSessionAffinity:           v.GetBool("strip_session_affinity"),
		DisableChallengeStatelessRetry: v.GetBool("disable_challenge_stateless_retry"),
		StreamTimeout:                  time.Duration(v.GetInt64("stream_timeout_secs")) * time.Second,
		TotalTimeout:                   time.Duration(v.GetInt64("total_timeout_secs")) * time.Second,
		AccountMaxInflight:             v.GetInt("account_max_inflight"),
		UsageSnapshotsRetainPerAccount: v.GetInt("usage_snapshots_retain_per_account"),
		OAuthIssuer:                    v.GetString("oauth_issuer"),
		OAuthClientID:                  v.GetString("oauth_client_id"),
		RedisAddr:                      v.GetString("redis_addr"),
		RedisPassword:                  v.GetString("redis_password"),
		RedisDB:                        v.GetInt("redis_db"),
	}

	cfg.UsagePollIntervalSecs = ParseIntervalSecs(&usagePollRaw, DefaultUsagePollIntervalSecs, MinUsagePollIntervalSecs)
	cfg.GatewayKeepaliveIntervalSecs = ParseIntervalSecs(&keepaliveRaw, DefaultGatewayKeepaliveIntervalSecs, MinGatewayKeepaliveIntervalSecs)
	cfg.TokenRefreshIntervalSecs = ParseIntervalSecs(&tokenRefreshRaw, DefaultTokenRefreshIntervalSecs, MinTokenRefreshIntervalSecs)

	if cfg.AccountMaxInflight <= 0 {
		cfg.AccountMaxInflight = 4
	}
	if cfg.UsageSnapshotsRetainPerAccount <= 0 {
		cfg.UsageSnapshotsRetainPerAccount = DefaultUsageSnapshotsRetainPerAccount
	}

	return cfg, nil
}

// ParseIntervalSecs parses raw into a background-loop interval in seconds,
// falling back to defaultSecs on a missing/unparsable value and clamping the
// result up to minSecs, ported from gpttools-service/src/usage/usage_scheduler.rs.
func ParseIntervalSecs(raw *string, defaultSecs, minSecs uint64) uint64 {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return defaultSecs
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(*raw), 10, 64)
	if err != nil {
		return defaultSecs
	}
	if parsed < minSecs {
		return minSecs
	}
	return parsed
}
