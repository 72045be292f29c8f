// Package reconcile implements the Reconciler (spec.md §4.K): a lazy,
// read-path convergence that clears a blocked account's durable status once
// its effective_reset_at has passed, without requiring live traffic to
// touch that account. Grounded on the teacher's ratelimit_service.go
// ClearRateLimit, generalized from a single-account clear to the spec's
// bulk read-path sweep.
package reconcile

import (
	"context"
	"time"

	"github.com/codex-lb/codex-lb/internal/model"
)

// AccountLister supplies the full account list to scan for convergence
// candidates.
type AccountLister interface {
	List(ctx context.Context) ([]model.Account, error)
}

// BulkUpdater clears a batch of accounts back to active in one write.
type BulkUpdater interface {
	BulkUpdateStatus(ctx context.Context, ids []string, status model.AccountStatus, resetAt *time.Time) error
}

// Invalidator is the Snapshot Builder's invalidation hook; the Reconciler
// invalidates it alongside the accounts-list cache it converges, since a
// stale snapshot would otherwise keep honoring the cleared block.
type Invalidator interface {
	Invalidate()
}

// Reconciler runs the bulk read-path convergence sweep.
type Reconciler struct {
	accounts   AccountLister
	updater    BulkUpdater
	invalidate Invalidator
}

func New(accounts AccountLister, updater BulkUpdater, invalidate Invalidator) *Reconciler {
	return &Reconciler{accounts: accounts, updater: updater, invalidate: invalidate}
}

func blockedStatus(status model.AccountStatus) bool {
	return status == model.StatusRateLimited || status == model.StatusQuotaExceeded
}

// Reconcile scans every blocked account and clears the ones whose
// effective_reset_at has already passed, in a single bulk update. Returns
// the number of accounts converged.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	accounts, err := r.accounts.List(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var ready []string
	for _, acc := range accounts {
		if !blockedStatus(acc.Status) {
			continue
		}
		if acc.ResetAt == nil || acc.ResetAt.After(now) {
			continue
		}
		ready = append(ready, acc.ID)
	}

	if len(ready) == 0 {
		return 0, nil
	}

	if err := r.updater.BulkUpdateStatus(ctx, ready, model.StatusActive, nil); err != nil {
		return 0, err
	}
	if r.invalidate != nil {
		r.invalidate.Invalidate()
	}
	return len(ready), nil
}
