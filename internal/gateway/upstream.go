package gateway

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wei-Shaw/sub2api/internal/pkg/httpclient"
)

// DefaultFallbackBaseURL is the OpenAI public API base used when the primary
// upstream is the ChatGPT backend and no explicit fallback is configured
// (spec §6.3).
const DefaultFallbackBaseURL = "https://api.openai.com/v1"

// DefaultUpstreamBaseURL is the default primary upstream base (spec §6.3).
const DefaultUpstreamBaseURL = "https://chatgpt.com/backend-api/codex"

// NormalizeUpstreamBaseURL trims a trailing slash and, for the ChatGPT web
// hosts, appends "/backend-api/codex" when the caller configured a bare host
// (spec §4.8 / upstream/config.rs's normalize_upstream_base_url).
func NormalizeUpstreamBaseURL(base string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if isChatGPTBackendHost(trimmed) && !strings.Contains(trimmed, "/backend-api") {
		return trimmed + "/backend-api/codex"
	}
	return trimmed
}

func isChatGPTBackendHost(base string) bool {
	lower := strings.ToLower(base)
	return strings.Contains(lower, "chatgpt.com") || strings.Contains(lower, "chat.openai.com")
}

// IsChatGPTBackendBase reports whether base is (normalized or not) a ChatGPT
// backend base, used to decide fallback defaulting and OpenAI-fallback
// eligibility.
func IsChatGPTBackendBase(base string) bool {
	return isChatGPTBackendHost(base)
}

// IsOpenAIAPIBase reports whether base is the OpenAI public API.
func IsOpenAIAPIBase(base string) bool {
	return strings.Contains(strings.ToLower(base), "api.openai.com")
}

// ResolveFallbackBaseURL returns the configured fallback, or the default
// OpenAI API base when the primary is a ChatGPT backend and no fallback was
// configured (spec §6.3).
func ResolveFallbackBaseURL(primaryBase, configuredFallback string) string {
	if strings.TrimSpace(configuredFallback) != "" {
		return NormalizeUpstreamBaseURL(configuredFallback)
	}
	if IsChatGPTBackendBase(primaryBase) {
		return DefaultFallbackBaseURL
	}
	return ""
}

// ComputeUpstreamURL implements spec §4.8's compute_upstream_url: returns the
// primary URL to try and, when applicable, an alternate URL for the
// alt-path retry (§4.10).
func ComputeUpstreamURL(base, path string) (primaryURL, alternateURL string) {
	trimmedBase := strings.TrimRight(base, "/")
	switch {
	case strings.Contains(trimmedBase, "/backend-api/codex") && strings.HasPrefix(path, "/v1/"):
		stripped := strings.TrimPrefix(path, "/v1")
		return trimmedBase + stripped, trimmedBase + path
	case strings.HasSuffix(trimmedBase, "/v1") && strings.HasPrefix(path, "/v1"):
		withoutV1 := strings.TrimSuffix(trimmedBase, "/v1")
		return withoutV1 + path, ""
	default:
		return trimmedBase + path, ""
	}
}

// ShouldTryOpenAIFallbackByContentType reports whether a response's
// content-type indicates a Cloudflare/WAF challenge page warranting the
// OpenAI-API fallback, excluding the /v1/models* paths (spec §4.10).
func ShouldTryOpenAIFallbackByContentType(path, contentType string) bool {
	if strings.HasPrefix(path, "/v1/models") {
		return false
	}
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// ShouldTryOpenAIFallbackByStatus reports whether a response status code
// alone warrants the OpenAI-API fallback: 429 on any path (excluding
// /v1/models*), or 401/403 restricted to /v1/responses (spec §4.10).
func ShouldTryOpenAIFallbackByStatus(path string, status int) bool {
	if strings.HasPrefix(path, "/v1/models") {
		return false
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && strings.HasPrefix(path, "/v1/responses") {
		return true
	}
	return false
}

// UpstreamClientPool provides the shared HTTP client UpstreamClientPool
// describes (spec §4.8): one pooled client per process, plus a lazily
// rebuilt "fresh" client per account used as a one-shot retry when the
// pooled client hits a network error (the process may have had its system
// proxy toggled after start — see spec §9).
type UpstreamClientPool struct {
	opts httpclient.Options

	pooled *http.Client

	freshMu      sync.Mutex
	freshClients map[string]*atomic.Pointer[http.Client]
}

// NewUpstreamClientPool builds the pool from the given options. Redirects are
// never followed — upstreams must return final responses (spec §4.8).
func NewUpstreamClientPool(opts httpclient.Options) (*UpstreamClientPool, error) {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	client, err := httpclient.GetClient(opts)
	if err != nil {
		return nil, err
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &UpstreamClientPool{
		opts:         opts,
		pooled:       client,
		freshClients: make(map[string]*atomic.Pointer[http.Client]),
	}, nil
}

// Pooled returns the shared pooled client.
func (p *UpstreamClientPool) Pooled() *http.Client {
	return p.pooled
}

// Fresh returns (and lazily (re)builds) the per-account fresh client used for
// a single retry after a network error on the pooled client.
func (p *UpstreamClientPool) Fresh(accountID string) (*http.Client, error) {
	p.freshMu.Lock()
	ptr, ok := p.freshClients[accountID]
	if !ok {
		ptr = &atomic.Pointer[http.Client]{}
		p.freshClients[accountID] = ptr
	}
	p.freshMu.Unlock()

	if existing := ptr.Load(); existing != nil {
		return existing, nil
	}
	client, err := httpclient.GetClient(p.opts)
	if err != nil {
		return nil, err
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	ptr.Store(client)
	return client, nil
}

// InvalidateFresh drops the cached fresh client for accountID so the next
// Fresh call rebuilds it, e.g. after it too failed with a network error.
func (p *UpstreamClientPool) InvalidateFresh(accountID string) {
	p.freshMu.Lock()
	defer p.freshMu.Unlock()
	if ptr, ok := p.freshClients[accountID]; ok {
		ptr.Store(nil)
	}
}
