package gateway

import (
	"context"
	"log"
	"time"
)

// ModelRate is the per-token cost rate for one model, used by RequestRecorder
// to compute EstimatedCostUSD (spec §4.12: "zero when rate unknown").
type ModelRate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// RequestRecorder appends one RequestLog + RequestTokenStat row per
// completed forward-attempt chain (spec §4.12).
type RequestRecorder struct {
	storage StorageFacade
	rates   map[string]ModelRate
}

// NewRequestRecorder constructs a recorder over the given storage and a
// model->rate table (missing entries cost $0, per spec).
func NewRequestRecorder(storage StorageFacade, rates map[string]ModelRate) *RequestRecorder {
	return &RequestRecorder{storage: storage, rates: rates}
}

// RecordOutcome builds and persists the RequestLog/RequestTokenStat pair for
// one finished request. responseText is the best-effort decoded response
// body for non-streamed responses, used for output-token estimation; it is
// empty for streamed responses (spec §4.12 only estimates output tokens
// "for non-streamed responses").
func (r *RequestRecorder) RecordOutcome(ctx context.Context, keyID string, accountID *string, method, path string, model, reasoningEffort *string, upstreamURL *string, statusCode *int, errMsg *string, requestShape RequestShape, requestBody []byte, responseText string) {
	now := time.Now()
	entry := &RequestLog{
		KeyID:           keyID,
		AccountID:       accountID,
		Method:          method,
		RequestPath:     path,
		Model:           model,
		ReasoningEffort: reasoningEffort,
		UpstreamURL:     upstreamURL,
		StatusCode:      statusCode,
		Error:           errMsg,
		CreatedAt:       now,
	}

	inputTokens := EstimateInputTokens(requestShape, requestBody)
	outputTokens := int64(0)
	if responseText != "" {
		outputTokens = EstimateOutputTokens(responseText)
	}
	cost := 0.0
	if model != nil {
		if rate, ok := r.rates[*model]; ok {
			cost = float64(inputTokens)/1_000_000*rate.InputPerMillion + float64(outputTokens)/1_000_000*rate.OutputPerMillion
		}
	}
	stat := &RequestTokenStat{
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		EstimatedCostUSD: cost,
	}

	if err := r.storage.InsertRequestLog(ctx, entry, stat); err != nil {
		log.Printf("event=request_recorder_insert_failed key_id=%s err=%v", keyID, err)
	}
}
