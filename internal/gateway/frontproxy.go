package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/Wei-Shaw/sub2api/internal/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MaxRequestBodyBytes bounds the client request body FrontProxy will read
// (spec §6.3's request size limit). cmd/gateway mounts
// middleware.RequestBodyLimit with this same value in front of Handle, the
// way the billing gateway's routes.go mounted it in front of its handlers.
const MaxRequestBodyBytes = 100 * 1024 * 1024

var supportedProxyMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// FrontProxy is the gin entrypoint: it authenticates the platform key,
// runs local validation (model/reasoning overrides, protocol adaptation),
// selects a candidate account, drives the attempt pipeline, relays the
// response, and records the outcome (spec §4).
type FrontProxy struct {
	state *GatewayState
}

// NewFrontProxy constructs a proxy handler over a fully-wired GatewayState.
func NewFrontProxy(state *GatewayState) *FrontProxy {
	return &FrontProxy{state: state}
}

// Handle implements the single gin.HandlerFunc registered for every gateway
// route (spec §1: "one front door", method/path dispatch happens upstream,
// not here).
func (f *FrontProxy) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	if !supportedProxyMethods[c.Request.Method] {
		f.writeError(c, MethodNotAllowed("method_not_allowed", "unsupported HTTP method: "+c.Request.Method))
		return
	}

	apiKey, err := f.authenticate(c)
	if err != nil {
		f.writeError(c, err)
		return
	}

	body, err := f.readBody(c)
	if err != nil {
		f.writeError(c, err)
		return
	}

	path := NormalizeModelsPath(c.Request.URL.Path)
	meta := ParseRequestMetadata(path, body, c.Request.Header.Get("Accept"))

	overriddenBody := ApplyRequestOverrides(path, body, apiKey.ModelSlug, apiKey.ReasoningEffort)
	adapted, err := AdaptRequestForProtocol(apiKey.ProtocolType, path, overriddenBody)
	if err != nil {
		f.writeError(c, err)
		return
	}

	model := meta.Model
	if apiKey.ModelSlug != nil && strings.TrimSpace(*apiKey.ModelSlug) != "" {
		model = *apiKey.ModelSlug
	}

	traceID := uuid.NewString()
	incoming := SnapshotIncomingHeaders(c.Request.Header)

	candidates, err := f.state.Selector.Select(ctx, StrategyBalanced, apiKey.ID, adapted.Path, model, "")
	if err != nil {
		f.writeError(c, apperrors.InternalServer("candidate_selection_failed", err.Error()))
		return
	}
	if len(candidates) == 0 {
		f.writeError(c, BadGateway("no_available_account", "no upstream account available to serve this request"))
		return
	}

	var upstreamBaseOverride *string
	if apiKey.UpstreamBaseURL != nil && strings.TrimSpace(*apiKey.UpstreamBaseURL) != "" {
		upstreamBaseOverride = apiKey.UpstreamBaseURL
	}

	pipelineReq := &PipelineRequest{
		TraceID:               traceID,
		KeyID:                 apiKey.ID,
		Method:                c.Request.Method,
		Path:                  adapted.Path,
		Body:                  adapted.Body,
		IsStream:               meta.IsStream,
		HasPromptCacheKey:      meta.HasPromptCacheKey,
		IncomingHeaders:        incoming,
		ProtocolType:           apiKey.ProtocolType,
		AuthSchemeForUpstream:  AuthSchemeAuthorizationBearer,
		UpstreamBaseOverride:   upstreamBaseOverride,
		Strategy:               StrategyBalanced,
		Model:                  model,
		TotalTimeout:           f.state.Config.TotalTimeout,
		StreamTimeout:          f.state.Config.StreamTimeout,
	}

	result := f.state.Pipeline.Run(ctx, pipelineReq, candidates)

	if result.AccountID != "" {
		f.state.Hints.Remember(HintKey(apiKey.ID, adapted.Path, model), result.AccountID)
	}

	switch result.Action {
	case ActionRespondUpstream:
		f.relay(c, result, adapted, meta, apiKey)
	default:
		f.writeError(c, result.TerminalErr)
		var statusCode *int
		if result.TerminalErr != nil {
			code := apperrors.Code(result.TerminalErr)
			statusCode = &code
		}
		f.recordOutcome(ctx, apiKey.ID, c.Request.Method, result, adapted, meta, statusCode, "", result.TerminalErr)
	}
}

func (f *FrontProxy) authenticate(c *gin.Context) (*ApiKey, error) {
	snap := SnapshotIncomingHeaders(c.Request.Header)
	rawKey, ok := snap.PlatformKey()
	if !ok {
		return nil, apperrors.Unauthorized("platform_key_required", "platform key is required in Authorization (Bearer) or x-api-key header")
	}
	hash := sha256.Sum256([]byte(rawKey))
	apiKey, err := f.state.Storage.GetApiKeyByHash(c.Request.Context(), hex.EncodeToString(hash[:]))
	if err != nil {
		return nil, apperrors.InternalServer("platform_key_lookup_failed", err.Error())
	}
	if apiKey == nil {
		return nil, apperrors.Unauthorized("invalid_platform_key", "invalid platform key")
	}
	if !apiKey.IsActive() {
		return nil, apperrors.Forbidden("platform_key_disabled", "platform key is disabled")
	}
	return apiKey, nil
}

func (f *FrontProxy) readBody(c *gin.Context) ([]byte, error) {
	// The size cap itself is enforced by middleware.RequestBodyLimit, mounted
	// in front of Handle in cmd/gateway/main.go; c.Request.Body is already a
	// MaxBytesReader by the time it reaches here.
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if ok := errorsAsMaxBytes(err, &maxErr); ok {
			return nil, PayloadTooLarge("body_too_large", "request body exceeds the configured size limit")
		}
		return nil, apperrors.BadRequest("body_read_failed", "failed to read request body")
	}
	return body, nil
}

func errorsAsMaxBytes(err error, target **http.MaxBytesError) bool {
	for err != nil {
		if mb, ok := err.(*http.MaxBytesError); ok {
			*target = mb
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// relay streams the upstream response back to the client, filtering
// hop-by-hop/Content-Length headers per ShouldSkipResponseHeader (spec §4.9),
// then records the outcome for non-streamed responses (best-effort output
// token estimation requires the decoded body; streamed responses are recorded
// without an output-token estimate).
func (f *FrontProxy) relay(c *gin.Context, result *PipelineResult, adapted AdaptedRequest, meta RequestMetadata, apiKey *ApiKey) {
	resp := result.Response
	defer func() {
		if resp.Body != nil {
			resp.Body.Close()
		}
	}()

	for name, values := range resp.Header {
		if ShouldSkipResponseHeader(name) {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)

	var responseText string
	if meta.IsStream {
		flusher, _ := c.Writer.(http.Flusher)
		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
					break
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				break
			}
		}
	} else {
		decoded, _ := io.ReadAll(resp.Body)
		if _, err := c.Writer.Write(decoded); err != nil {
			log.Printf("event=gateway_relay_write_failed key_id=%s err=%v", apiKey.ID, err)
		}
		if len(decoded) > maxInspectedBodyBytes {
			decoded = decoded[:maxInspectedBodyBytes]
		}
		responseText = string(decoded)
	}

	statusCode := resp.StatusCode
	f.recordOutcome(c.Request.Context(), apiKey.ID, c.Request.Method, result, adapted, meta, &statusCode, responseText, nil)
}

// recordOutcome builds the RequestLog/RequestTokenStat pair for one finished
// request via RequestRecorder (spec §4.12).
func (f *FrontProxy) recordOutcome(ctx context.Context, keyID string, method string, result *PipelineResult, adapted AdaptedRequest, meta RequestMetadata, statusCode *int, responseText string, terminalErr error) {
	var accountID *string
	if result.AccountID != "" {
		accountID = &result.AccountID
	}
	var upstreamURL *string
	if result.UpstreamURL != "" {
		upstreamURL = &result.UpstreamURL
	}
	var model *string
	if meta.Model != "" {
		model = &meta.Model
	}
	var reasoningEffort *string
	if meta.ReasoningEffort != nil {
		s := string(*meta.ReasoningEffort)
		reasoningEffort = &s
	}
	var errMsg *string
	if terminalErr != nil {
		msg := terminalErr.Error()
		errMsg = &msg
	}
	f.state.Recorder.RecordOutcome(ctx, keyID, accountID, method, adapted.Path, model, reasoningEffort, upstreamURL, statusCode, errMsg, meta.RequestShape, adapted.Body, responseText)
}

func (f *FrontProxy) writeError(c *gin.Context, err error) {
	statusCode, body := apperrors.ToHTTP(err)
	c.JSON(statusCode, body)
}
