// Package selection is the Selection Engine (spec.md §4.G): a pure
// function from a SelectionSnapshot and a request context to an account
// id. It holds no state of its own and performs no I/O.
package selection

import (
	"sort"
	"time"

	"github.com/codex-lb/codex-lb/internal/model"
)

// Strategy picks the scoring algorithm used in Step 4.
type Strategy string

const (
	StrategyTierWeightedResetFirst Strategy = "tier_weighted_reset_first"
	StrategyHybridWastePressure    Strategy = "hybrid_waste_pressure"
)

// IneligibleReason is the stable label recorded for a rejected candidate.
type IneligibleReason string

const (
	ReasonPaused             IneligibleReason = "paused"
	ReasonDeactivated        IneligibleReason = "deactivated"
	ReasonCooldown           IneligibleReason = "cooldown"
	ReasonErrorBackoff       IneligibleReason = "error_backoff"
	ReasonRateLimited        IneligibleReason = "rate_limited"
	ReasonQuotaExceeded      IneligibleReason = "quota_exceeded"
	ReasonSecondaryExhausted IneligibleReason = "secondary_exhausted"
)

// RequestContext carries the per-request inputs Step 1/3 need.
type RequestContext struct {
	ForcedAccountID string
	Fingerprint     string
	Now             time.Time
}

// StickyLookup resolves a fingerprint to a previously pinned account id.
type StickyLookup func(fingerprint string) (accountID string, ok bool)

// Result is the engine's full answer: the chosen account, or an empty
// AccountID with a per-account ineligibility breakdown.
type Result struct {
	AccountID          string
	Pool               string // "forced", "pinned", "all"
	FallbackFromPinned bool
	IneligibleReasons  map[string]IneligibleReason
}

// ErrNoAvailable is returned (as the error half of Select) when no
// candidate in any pool is eligible.
type ErrNoAvailable struct {
	IneligibleReasons map[string]IneligibleReason
}

func (e *ErrNoAvailable) Error() string { return "selection: no_available" }

// tierWeights maps a normalized plan tier to its scoring weight.
var tierWeights = map[string]float64{
	"pro":  1.00,
	"plus": 0.72,
	"free": 0.512,
}

func normalizeTier(p model.PlanType) string {
	switch p {
	case model.PlanPro, model.PlanEnterprise:
		return "pro"
	case model.PlanPlus, model.PlanTeam, model.PlanBusiness, model.PlanEdu:
		return "plus"
	default:
		return "free"
	}
}

// Select runs the full candidate-pool → eligibility → stickiness →
// scoring → tie-break → fallback algorithm.
func Select(snap *model.SelectionSnapshot, ctx RequestContext, pinned []string, sticky StickyLookup, strategy Strategy) (Result, error) {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	byID := make(map[string]model.AccountView, len(snap.Accounts))
	for _, v := range snap.Accounts {
		byID[v.Account.ID] = v
	}

	// Step 1 — candidate pool.
	if ctx.ForcedAccountID != "" {
		if v, ok := byID[ctx.ForcedAccountID]; ok {
			return Result{AccountID: v.Account.ID, Pool: "forced"}, nil
		}
		return Result{}, &ErrNoAvailable{IneligibleReasons: map[string]IneligibleReason{ctx.ForcedAccountID: ReasonDeactivated}}
	}

	pool := "all"
	candidates := snap.Accounts
	if len(pinned) > 0 {
		pool = "pinned"
		pinnedSet := make(map[string]bool, len(pinned))
		for _, id := range pinned {
			pinnedSet[id] = true
		}
		candidates = filterByIDs(snap.Accounts, pinnedSet)
	}

	result, err := selectFromPool(candidates, now, ctx, sticky, strategy)
	if err == nil {
		result.Pool = pool
		return result, nil
	}

	// Step 6 — fallback to the full account set if the pinned pool was
	// unusable.
	if pool == "pinned" {
		result, err = selectFromPool(snap.Accounts, now, ctx, sticky, strategy)
		if err == nil {
			result.Pool = "all"
			result.FallbackFromPinned = true
			return result, nil
		}
	}

	return Result{}, err
}

func filterByIDs(views []model.AccountView, ids map[string]bool) []model.AccountView {
	out := make([]model.AccountView, 0, len(ids))
	for _, v := range views {
		if ids[v.Account.ID] {
			out = append(out, v)
		}
	}
	return out
}

func selectFromPool(candidates []model.AccountView, now time.Time, ctx RequestContext, sticky StickyLookup, strategy Strategy) (Result, error) {
	reasons := make(map[string]IneligibleReason)
	eligible := make([]model.AccountView, 0, len(candidates))
	for _, v := range candidates {
		if reason, ok := ineligibilityReason(v, now); ok {
			reasons[v.Account.ID] = reason
			continue
		}
		eligible = append(eligible, v)
	}

	eligibleSet := make(map[string]model.AccountView, len(eligible))
	for _, v := range eligible {
		eligibleSet[v.Account.ID] = v
	}

	// Step 3 — stickiness.
	if ctx.Fingerprint != "" && sticky != nil {
		if accountID, ok := sticky(ctx.Fingerprint); ok {
			if _, isEligible := eligibleSet[accountID]; isEligible {
				return Result{AccountID: accountID, IneligibleReasons: reasons}, nil
			}
			// Sticky entry points at an ineligible account: drop and fall
			// through to scoring.
		}
	}

	if len(eligible) == 0 {
		return Result{}, &ErrNoAvailable{IneligibleReasons: reasons}
	}

	chosen := score(eligible, now, strategy)
	return Result{AccountID: chosen.Account.ID, IneligibleReasons: reasons}, nil
}

func ineligibilityReason(v model.AccountView, now time.Time) (IneligibleReason, bool) {
	a := v.Account
	switch a.Status {
	case model.StatusPaused:
		return ReasonPaused, true
	case model.StatusDeactivated:
		return ReasonDeactivated, true
	}

	if v.Runtime.CooldownUntil.After(now) {
		if a.Status == model.StatusRateLimited {
			return ReasonRateLimited, true
		}
		return ReasonCooldown, true
	}

	if a.Status == model.StatusRateLimited || a.Status == model.StatusQuotaExceeded {
		effective := model.EffectiveResetAt(a.ResetAt, v.Runtime.ResetAtHint)
		if effective.After(now) {
			if a.Status == model.StatusQuotaExceeded {
				return ReasonQuotaExceeded, true
			}
			return ReasonRateLimited, true
		}
	}

	if v.Secondary != nil && v.Secondary.UsedPercent >= 100 && v.Secondary.ResetAt != nil && v.Secondary.ResetAt.After(now) {
		return ReasonSecondaryExhausted, true
	}

	if v.Runtime.ErrorCount > 0 && v.Runtime.ErrorCooldownUntil.After(now) {
		return ReasonErrorBackoff, true
	}

	return "", false
}

func score(eligible []model.AccountView, now time.Time, strategy Strategy) model.AccountView {
	if strategy == StrategyHybridWastePressure {
		return scoreHybridWastePressure(eligible, now)
	}
	return scoreTierWeightedResetFirst(eligible, now)
}

func scoreTierWeightedResetFirst(eligible []model.AccountView, now time.Time) model.AccountView {
	type scored struct {
		view  model.AccountView
		score float64
	}
	scores := make([]scored, len(eligible))
	for i, v := range eligible {
		tier := normalizeTier(v.Account.PlanType)
		weight := tierWeights[tier]
		var s float64
		if v.Secondary != nil && v.Secondary.ResetAt != nil {
			ttr := v.Secondary.ResetAt.Sub(now).Seconds()
			if ttr < 60 {
				ttr = 60
			}
			s = weight / ttr
		}
		scores[i] = scored{view: v, score: s}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return tieBreak(scores[i].view, scores[j].view)
	})
	return scores[0].view
}

func scoreHybridWastePressure(eligible []model.AccountView, now time.Time) model.AccountView {
	type withRate struct {
		view        model.AccountView
		tier        string
		requiredRate float64
	}
	byTier := make(map[string][]withRate)
	for _, v := range eligible {
		tier := normalizeTier(v.Account.PlanType)
		var rate float64
		if v.Secondary != nil && v.Secondary.ResetAt != nil && v.Secondary.CapacityCredits != nil {
			ttr := v.Secondary.ResetAt.Sub(now).Seconds()
			if ttr < 60 {
				ttr = 60
			}
			remaining := *v.Secondary.CapacityCredits * (1 - v.Secondary.UsedPercent/100)
			rate = remaining / ttr
		}
		byTier[tier] = append(byTier[tier], withRate{view: v, tier: tier, requiredRate: rate})
	}

	var bestTier string
	var bestTierScore float64 = -1
	for tier, members := range byTier {
		var maxRate float64
		for _, m := range members {
			if m.requiredRate > maxRate {
				maxRate = m.requiredRate
			}
		}
		tierScore := maxRate * tierWeights[tier]
		if tierScore > bestTierScore {
			bestTierScore = tierScore
			bestTier = tier
		}
	}

	members := byTier[bestTier]
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].requiredRate != members[j].requiredRate {
			return members[i].requiredRate > members[j].requiredRate
		}
		return tieBreak(members[i].view, members[j].view)
	})
	return members[0].view
}

// tieBreak implements Step 5's ordered tie-break chain: earlier known
// secondary reset_at, higher tier weight, older last_selected_at, lexical
// account_id.
func tieBreak(a, b model.AccountView) bool {
	aReset, aHasReset := secondaryResetAt(a)
	bReset, bHasReset := secondaryResetAt(b)
	if aHasReset && bHasReset && !aReset.Equal(bReset) {
		return aReset.Before(bReset)
	}
	if aHasReset != bHasReset {
		return aHasReset
	}

	aWeight := tierWeights[normalizeTier(a.Account.PlanType)]
	bWeight := tierWeights[normalizeTier(b.Account.PlanType)]
	if aWeight != bWeight {
		return aWeight > bWeight
	}

	aLast := a.Runtime.LastSelectedAt
	bLast := b.Runtime.LastSelectedAt
	if !aLast.Equal(bLast) {
		return aLast.Before(bLast)
	}

	return a.Account.ID < b.Account.ID
}

func secondaryResetAt(v model.AccountView) (time.Time, bool) {
	if v.Secondary == nil || v.Secondary.ResetAt == nil {
		return time.Time{}, false
	}
	return *v.Secondary.ResetAt, true
}
