// Package snapshot is the Snapshot Builder (spec.md §4.F): it assembles
// the immutable SelectionSnapshot the Selection Engine reads from, merging
// account records, their latest usage samples, and in-memory runtime
// state. Rebuilds are TTL-bound and singleflight-coalesced so a burst of
// concurrent requests past an expired snapshot triggers exactly one
// rebuild, and are eagerly invalidated whenever the Mark Engine changes an
// account's eligibility.
package snapshot

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codex-lb/codex-lb/internal/model"
)

// AccountSource lists every account eligible to be merged into a snapshot.
type AccountSource interface {
	List(ctx context.Context) ([]model.Account, error)
}

// UsageSource supplies each account's latest primary/secondary samples.
type UsageSource interface {
	LatestPrimarySecondaryByAccount(ctx context.Context) (map[string]model.AccountView, error)
}

// RuntimeSource supplies the Mark Engine's in-memory per-account state.
type RuntimeSource interface {
	Snapshot() map[string]model.RuntimeAccountState
}

// Builder owns the current snapshot and rebuilds it on expiry or explicit
// invalidation.
type Builder struct {
	accounts AccountSource
	usage    UsageSource
	runtime  RuntimeSource
	ttl      time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	current  *model.SelectionSnapshot
	expireAt time.Time
}

func New(accounts AccountSource, usage UsageSource, runtime RuntimeSource, ttl time.Duration) *Builder {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Builder{accounts: accounts, usage: usage, runtime: runtime, ttl: ttl}
}

// Get returns the current snapshot, rebuilding it first if it has expired
// or been invalidated. Concurrent callers during a rebuild share one
// underlying build via singleflight.
func (b *Builder) Get(ctx context.Context) (*model.SelectionSnapshot, error) {
	b.mu.RLock()
	if b.current != nil && time.Now().Before(b.expireAt) {
		snap := b.current
		b.mu.RUnlock()
		return snap, nil
	}
	b.mu.RUnlock()

	v, err, _ := b.group.Do("snapshot", func() (any, error) {
		return b.build(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.SelectionSnapshot), nil
}

// Invalidate forces the next Get to rebuild, regardless of TTL. The Mark
// Engine calls this after any transition that changes an account's
// eligibility, so selection never reads stale state for longer than one
// in-flight rebuild.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireAt = time.Time{}
}

func (b *Builder) build(ctx context.Context) (*model.SelectionSnapshot, error) {
	// Re-check under the singleflight key: another goroutine may have
	// already rebuilt while this one waited to be admitted.
	b.mu.RLock()
	if b.current != nil && time.Now().Before(b.expireAt) {
		snap := b.current
		b.mu.RUnlock()
		return snap, nil
	}
	b.mu.RUnlock()

	accounts, err := b.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	usageViews, err := b.usage.LatestPrimarySecondaryByAccount(ctx)
	if err != nil {
		return nil, err
	}
	runtimeStates := b.runtime.Snapshot()

	views := make([]model.AccountView, 0, len(accounts))
	for _, acc := range accounts {
		view := model.AccountView{Account: acc}
		if u, ok := usageViews[acc.ID]; ok {
			view.Primary = u.Primary
			view.Secondary = u.Secondary
		}
		if rs, ok := runtimeStates[acc.ID]; ok {
			view.Runtime = rs
		} else {
			view.Runtime = model.RuntimeAccountState{AccountID: acc.ID}
		}
		views = append(views, view)
	}

	snap := &model.SelectionSnapshot{Accounts: views, BuiltAt: time.Now()}

	b.mu.Lock()
	b.current = snap
	b.expireAt = time.Now().Add(b.ttl)
	b.mu.Unlock()

	return snap, nil
}
