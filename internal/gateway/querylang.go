package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// RequestLogQuery is the parsed form of the admin request-log search DSL
// (spec §8 scenario 1), ported from
// original_source/crates/core/src/storage/request_log_query.rs.
type RequestLogQuery struct {
	Kind    RequestLogQueryKind
	Column  string // set for FieldExact / FieldLike
	Value   string // set for FieldExact / FieldLike / GlobalLike (raw pattern, without wrapping %)
	RangeLo int    // set for StatusRange
	RangeHi int    // set for StatusRange
}

// RequestLogQueryKind discriminates the parsed query shape.
type RequestLogQueryKind int

const (
	QueryAll RequestLogQueryKind = iota
	QueryFieldExact
	QueryFieldLike
	QueryStatusRange
	QueryGlobalLike
)

// requestLogQueryPrefixes maps a query-string prefix (already lowercased) to
// the storage column it filters.
var requestLogQueryPrefixes = map[string]string{
	"account":      "account_id",
	"account_id":   "account_id",
	"path":         "request_path",
	"request_path": "request_path",
	"method":       "method",
	"model":        "model",
	"reasoning":    "reasoning_effort",
	"reason":       "reasoning_effort",
	"error":        "error",
	"key":          "key_id",
	"key_id":       "key_id",
	"upstream":     "upstream_url",
	"url":          "upstream_url",
	"status":       "status_code",
}

// ParseRequestLogQuery parses the admin search-box DSL into a RequestLogQuery.
//
// Grammar: "" / whitespace-only -> All. "prefix:value" where prefix matches a
// known column alias dispatches to an exact match (value starts with "=") or
// a LIKE "%value%" match; "status:5xx"-style values parse as a status-code
// range instead. Anything else (no recognized prefix, or no ':' at all)
// becomes a global LIKE across free text.
func ParseRequestLogQuery(raw string) RequestLogQuery {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestLogQuery{Kind: QueryAll}
	}
	if q, ok := parsePrefixedRequestLogQuery(trimmed); ok {
		return q
	}
	return RequestLogQuery{Kind: QueryGlobalLike, Value: trimmed}
}

func parsePrefixedRequestLogQuery(trimmed string) (RequestLogQuery, bool) {
	idx := strings.Index(trimmed, ":")
	if idx < 0 {
		return RequestLogQuery{}, false
	}
	prefix := strings.ToLower(strings.TrimSpace(trimmed[:idx]))
	value := strings.TrimSpace(trimmed[idx+1:])
	column, ok := requestLogQueryPrefixes[prefix]
	if !ok {
		return RequestLogQuery{}, false
	}
	if column == "status_code" {
		return parseStatusQuery(value), true
	}
	if strings.HasPrefix(value, "=") {
		return RequestLogQuery{Kind: QueryFieldExact, Column: column, Value: value[1:]}, true
	}
	return RequestLogQuery{Kind: QueryFieldLike, Column: column, Value: value}, true
}

func parseStatusQuery(value string) RequestLogQuery {
	lower := strings.ToLower(strings.TrimSpace(value))
	if strings.HasSuffix(lower, "xx") {
		digit := strings.TrimSuffix(lower, "xx")
		if n, err := strconv.Atoi(digit); err == nil && n >= 1 && n <= 5 {
			lo := n * 100
			return RequestLogQuery{Kind: QueryStatusRange, RangeLo: lo, RangeHi: lo + 99}
		}
	}
	if n, err := strconv.Atoi(lower); err == nil {
		return RequestLogQuery{Kind: QueryFieldExact, Column: "status_code", Value: strconv.Itoa(n)}
	}
	// Unparsable status filter degrades to a global LIKE over the raw value,
	// matching the original's behavior of never erroring on a bad query.
	return RequestLogQuery{Kind: QueryGlobalLike, Value: value}
}

// LikePattern returns the %-wrapped LIKE pattern for FieldLike/GlobalLike queries.
func (q RequestLogQuery) LikePattern() string {
	return fmt.Sprintf("%%%s%%", q.Value)
}
