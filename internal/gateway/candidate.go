package gateway

import (
	"context"
	"sync/atomic"
)

// SelectionStrategy is CandidateSelector's ordering strategy (spec §4.6).
type SelectionStrategy string

const (
	StrategyOrdered  SelectionStrategy = "ordered"
	StrategyBalanced SelectionStrategy = "balanced"
)

// Candidate is one (Account, Token) pair the AttemptPipeline may try, plus
// the skip reason CandidateSelector assigned it (if any).
type Candidate struct {
	Account    *Account
	Token      *Token
	SkipReason CandidateSkipReason
}

// CandidateSkipReason explains why a non-last candidate would normally be
// skipped (spec §4.6). It is advisory — AttemptPipeline decides whether to
// actually honor it (the last candidate is always attempted regardless).
type CandidateSkipReason string

const (
	SkipNone     CandidateSkipReason = ""
	SkipCooldown CandidateSkipReason = "cooldown"
	SkipInflight CandidateSkipReason = "inflight"
)

// CandidateSelector orders accounts into an attempt list for one request
// (spec §4.6).
type CandidateSelector struct {
	storage   StorageFacade
	cooldown  *CooldownRegistry
	hints     *RouteHintCache
	rotation  atomic.Uint64
	accountMaxInflight int
}

// NewCandidateSelector constructs a selector over the given shared state.
func NewCandidateSelector(storage StorageFacade, cooldown *CooldownRegistry, hints *RouteHintCache, accountMaxInflight int) *CandidateSelector {
	return &CandidateSelector{storage: storage, cooldown: cooldown, hints: hints, accountMaxInflight: accountMaxInflight}
}

// Select builds the ordered candidate list for one request.
//
// manualPreferredAccountID, when non-empty and present among loaded accounts,
// is moved to the head and is exempt from cooldown/inflight gating while at
// the head (spec §4.6 step 2 — a manual pin is a user override, not cleared
// by routine gating).
func (s *CandidateSelector) Select(ctx context.Context, strategy SelectionStrategy, keyID, path, model, manualPreferredAccountID string) ([]Candidate, error) {
	accounts, err := s.storage.ListAccountsOrdered(ctx)
	if err != nil {
		return nil, err
	}

	type pair struct {
		account *Account
		token   *Token
	}
	pairs := make([]pair, 0, len(accounts))
	for _, acc := range accounts {
		tok, err := s.storage.GetToken(ctx, acc.ID)
		if err != nil || tok == nil || !tok.HasRefreshToken() {
			continue
		}
		pairs = append(pairs, pair{account: acc, token: tok})
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	// Balanced rotation runs before manual-pin/hint reordering, so a pin or
	// hint always lands (and stays) at index 0 regardless of where rotation
	// would otherwise have put it (spec §4.6 step 2's head-exemption assumes
	// the pin IS index 0).
	if strategy == StrategyBalanced && len(pairs) > 1 {
		n := uint64(len(pairs))
		offset := int(s.rotation.Add(1) % n)
		pairs = append(pairs[offset:], pairs[:offset]...)
	}

	manualIdx := -1
	if manualPreferredAccountID != "" {
		for i, p := range pairs {
			if p.account.ID == manualPreferredAccountID {
				manualIdx = i
				break
			}
		}
	}
	if manualIdx > 0 {
		pinned := pairs[manualIdx]
		pairs = append(pairs[:manualIdx], pairs[manualIdx+1:]...)
		pairs = append([]pair{pinned}, pairs...)
	} else if manualIdx < 0 {
		if hintAccountID, ok := s.hints.Lookup(HintKey(keyID, path, model)); ok {
			for i, p := range pairs {
				if p.account.ID == hintAccountID && i > 0 {
					hinted := pairs[i]
					pairs = append(pairs[:i], pairs[i+1:]...)
					pairs = append([]pair{hinted}, pairs...)
					break
				}
			}
		}
	}

	isManualHead := manualIdx >= 0

	candidates := make([]Candidate, 0, len(pairs))
	for i, p := range pairs {
		hasMore := i < len(pairs)-1
		reason := SkipNone
		if i == 0 && isManualHead {
			// Manual pin at head is fully exempt from gating.
		} else if s.cooldown.InCooldown(p.account.ID) && hasMore {
			reason = SkipCooldown
		} else if s.accountMaxInflight > 0 && s.cooldown.Inflight(p.account.ID) >= s.accountMaxInflight && hasMore {
			reason = SkipInflight
		}
		candidates = append(candidates, Candidate{Account: p.account, Token: p.token, SkipReason: reason})
	}
	return candidates, nil
}
