// Package mark is the Mark Engine (spec.md §4.H): it applies the outcome
// of every terminal request to the in-memory RuntimeAccountState and, when
// warranted, to the durable Account Store. Every transition for a given
// account is serialized through a per-account mutex, and every mark
// eagerly invalidates the Snapshot Builder's cache.
package mark

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/codex-lb/codex-lb/internal/model"
	"github.com/codex-lb/codex-lb/internal/pkg/oauth"
)

// Config tunes the anti-thrash thresholds from spec.md §4.H.
type Config struct {
	RateLimitPersistThreshold time.Duration // default 5m
	UsageLimitMinCooldown     time.Duration // default 60s
	UsageLimitMaxInitialCooldown time.Duration // default 300s
	UsageLimitEscalateStreak  int           // default 3
	TransientErrorMaxCooldown time.Duration // default cap, e.g. 10m
}

func DefaultConfig() Config {
	return Config{
		RateLimitPersistThreshold:    5 * time.Minute,
		UsageLimitMinCooldown:        60 * time.Second,
		UsageLimitMaxInitialCooldown: 300 * time.Second,
		UsageLimitEscalateStreak:     3,
		TransientErrorMaxCooldown:    10 * time.Minute,
	}
}

// AccountStore is the subset of accountstore.Store the Mark Engine needs
// for durable status transitions.
type AccountStore interface {
	UpdateStatus(ctx context.Context, id string, status model.AccountStatus, reason model.DeactivationReason, resetAt *time.Time) error
}

// PinnedPoolPruner removes an account from the pinned pool, used when it
// is durably quota-exceeded.
type PinnedPoolPruner interface {
	PruneFromPinned(ctx context.Context, accountID string) error
}

// Invalidator is the Snapshot Builder's invalidation hook.
type Invalidator interface {
	Invalidate()
}

type accountState struct {
	mu    sync.Mutex
	state model.RuntimeAccountState
}

// Engine owns per-account runtime state plus the durable store/snapshot
// collaborators it writes through to.
type Engine struct {
	store      AccountStore
	pinned     PinnedPoolPruner
	invalidate Invalidator
	cfg        Config

	statesMu sync.RWMutex
	states   map[string]*accountState
}

func New(store AccountStore, pinned PinnedPoolPruner, invalidate Invalidator, cfg Config) *Engine {
	return &Engine{store: store, pinned: pinned, invalidate: invalidate, cfg: cfg, states: make(map[string]*accountState)}
}

func (e *Engine) stateFor(accountID string) *accountState {
	e.statesMu.RLock()
	s, ok := e.states[accountID]
	e.statesMu.RUnlock()
	if ok {
		return s
	}

	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	if s, ok := e.states[accountID]; ok {
		return s
	}
	s = &accountState{state: model.RuntimeAccountState{AccountID: accountID}}
	e.states[accountID] = s
	return s
}

// Snapshot returns a point-in-time copy of every tracked account's runtime
// state, for the Snapshot Builder's merge step.
func (e *Engine) Snapshot() map[string]model.RuntimeAccountState {
	e.statesMu.RLock()
	defer e.statesMu.RUnlock()
	out := make(map[string]model.RuntimeAccountState, len(e.states))
	for id, s := range e.states {
		s.mu.Lock()
		out[id] = s.state
		s.mu.Unlock()
	}
	return out
}

// Hydrate seeds runtime state from a persisted reset_at on startup, so a
// restart doesn't forget an in-progress cooldown.
func (e *Engine) Hydrate(accountID string, resetAt *time.Time) {
	if resetAt == nil {
		return
	}
	s := e.stateFor(accountID)
	s.mu.Lock()
	s.state.ResetAtHint = *resetAt
	s.state.CooldownUntil = *resetAt
	s.mu.Unlock()
}

func (e *Engine) invalidateSnapshot() {
	if e.invalidate != nil {
		e.invalidate.Invalidate()
	}
}

// MarkSuccess resets the error streak and records selection time.
func (e *Engine) MarkSuccess(accountID string) {
	s := e.stateFor(accountID)
	s.mu.Lock()
	s.state.ErrorCount = 0
	s.state.ErrorCooldownUntil = time.Time{}
	s.state.LastSelectedAt = time.Now()
	s.mu.Unlock()
	e.invalidateSnapshot()
}

// MarkRateLimit records a 429-class failure. upstreamHint, if known, is the
// upstream-declared reset time.
func (e *Engine) MarkRateLimit(ctx context.Context, accountID string, upstreamHint *time.Time) {
	now := time.Now()
	s := e.stateFor(accountID)

	s.mu.Lock()
	s.state.ErrorCount++
	backoff := exponentialBackoff(s.state.ErrorCount, e.cfg.TransientErrorMaxCooldown)
	hint := now.Add(backoff)
	if upstreamHint != nil && upstreamHint.After(hint) {
		hint = *upstreamHint
	}
	s.state.ResetAtHint = hint
	s.state.CooldownUntil = hint
	streak := s.state.ErrorCount
	s.mu.Unlock()

	e.invalidateSnapshot()

	// Persist only when the hint clears the anti-thrash threshold and the
	// streak is non-trivial; a single blip shouldn't durably mark the
	// account rate_limited.
	if time.Until(hint) >= e.cfg.RateLimitPersistThreshold && streak > 1 {
		if err := e.store.UpdateStatus(ctx, accountID, model.StatusRateLimited, "", &hint); err != nil {
			log.Printf("mark: persist rate_limited for %s: %v", accountID, err)
		}
	}
}

// MarkUsageLimitReached records a usage-limit failure, with the anti-thrash
// floor/cap/streak logic from spec.md §4.H.
func (e *Engine) MarkUsageLimitReached(ctx context.Context, accountID string, upstreamHint *time.Time, secondaryConfirmsExhausted bool) {
	now := time.Now()
	s := e.stateFor(accountID)

	s.mu.Lock()
	s.state.ErrorCount++
	streak := s.state.ErrorCount

	var hint time.Time
	switch {
	case upstreamHint == nil:
		hint = now.Add(e.cfg.UsageLimitMinCooldown)
	default:
		hint = *upstreamHint
		initialCap := now.Add(e.cfg.UsageLimitMaxInitialCooldown)
		// The cap only tempers an unconfirmed escalating streak; once the
		// secondary sample confirms the account is actually exhausted, the
		// real upstream reset must persist uncapped (spec.md §4.H).
		if streak < e.cfg.UsageLimitEscalateStreak && !secondaryConfirmsExhausted && hint.After(initialCap) {
			hint = initialCap
		}
		if hint.Before(now.Add(e.cfg.UsageLimitMinCooldown)) {
			hint = now.Add(e.cfg.UsageLimitMinCooldown)
		}
	}
	s.state.ResetAtHint = hint
	s.state.CooldownUntil = hint
	s.mu.Unlock()

	e.invalidateSnapshot()

	shouldPersist := streak >= e.cfg.UsageLimitEscalateStreak || secondaryConfirmsExhausted
	if shouldPersist {
		if err := e.store.UpdateStatus(ctx, accountID, model.StatusRateLimited, "", &hint); err != nil {
			log.Printf("mark: persist usage-limited reset for %s: %v", accountID, err)
		}
	}
}

// MarkQuotaExceeded durably blocks the account until secondaryResetAt and
// prunes it from the pinned pool.
func (e *Engine) MarkQuotaExceeded(ctx context.Context, accountID string, secondaryResetAt *time.Time) {
	s := e.stateFor(accountID)
	s.mu.Lock()
	if secondaryResetAt != nil {
		s.state.ResetAtHint = *secondaryResetAt
		s.state.CooldownUntil = *secondaryResetAt
	}
	s.mu.Unlock()

	if err := e.store.UpdateStatus(ctx, accountID, model.StatusQuotaExceeded, "", secondaryResetAt); err != nil {
		log.Printf("mark: persist quota_exceeded for %s: %v", accountID, err)
	}
	if e.pinned != nil {
		if err := e.pinned.PruneFromPinned(ctx, accountID); err != nil {
			log.Printf("mark: prune %s from pinned pool: %v", accountID, err)
		}
	}
	e.invalidateSnapshot()
}

// MarkRecovered clears a durable block once the Usage Refresh Loop observes
// the condition that caused it has cleared (e.g. secondary usage dropped
// back under 100%) and nothing else holds the account blocked.
func (e *Engine) MarkRecovered(ctx context.Context, accountID string) {
	s := e.stateFor(accountID)
	s.mu.Lock()
	s.state.ErrorCount = 0
	s.state.ResetAtHint = time.Time{}
	s.state.CooldownUntil = time.Time{}
	s.state.ErrorCooldownUntil = time.Time{}
	s.mu.Unlock()

	if err := e.store.UpdateStatus(ctx, accountID, model.StatusActive, "", nil); err != nil {
		log.Printf("mark: persist recovered status for %s: %v", accountID, err)
	}
	e.invalidateSnapshot()
}

// MarkPermanentFailure durably deactivates the account.
func (e *Engine) MarkPermanentFailure(ctx context.Context, accountID string, reason model.DeactivationReason) {
	if err := e.store.UpdateStatus(ctx, accountID, model.StatusDeactivated, reason, nil); err != nil {
		log.Printf("mark: persist deactivated for %s: %v", accountID, err)
	}
	e.invalidateSnapshot()
}

// MarkAuthRefreshFailed is the DeactivationSink the Token Manager calls
// when a refresh attempt fails. A cause classified as an invalid_grant-class
// OAuth2 error means the refresh token itself was rejected (rotated or
// reused elsewhere), which is recorded as its own deactivation reason so an
// operator can tell "this account's refresh token was reused" apart from
// "the token endpoint was unreachable or returned something else".
func (e *Engine) MarkAuthRefreshFailed(ctx context.Context, accountID string, cause error) {
	reason := model.DeactivationAuthRefreshFailed
	if oauth.IsInvalidGrant(cause) {
		reason = model.DeactivationRefreshTokenReused
	}
	e.MarkPermanentFailure(ctx, accountID, reason)
}

// MarkTransientError bumps the error streak and sets an exponential,
// capped cooldown without any durable write. This is tracked in its own
// ErrorCooldownUntil field, separate from the rate/usage/quota
// CooldownUntil, so the Selection Engine can tell error_backoff apart from
// those durable-reason cooldowns.
func (e *Engine) MarkTransientError(accountID string) {
	s := e.stateFor(accountID)
	s.mu.Lock()
	s.state.ErrorCount++
	s.state.LastErrorAt = time.Now()
	s.state.ErrorCooldownUntil = time.Now().Add(exponentialBackoff(s.state.ErrorCount, e.cfg.TransientErrorMaxCooldown))
	s.mu.Unlock()
	e.invalidateSnapshot()
}

func exponentialBackoff(errorCount int, maxBackoff time.Duration) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	backoff := time.Duration(math.Pow(2, float64(errorCount-1))) * time.Second
	if maxBackoff > 0 && backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}
