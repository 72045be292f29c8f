// Package engine is the composition root: it opens both databases,
// builds every collaborator (Account Store, Operational Store, Token
// Manager, Snapshot Builder, Mark Engine, Sticky Session Store, Request
// Log Buffer, Proxy Pipeline, Usage Refresh Loop, Reconciler), wires them
// together by hand, and hydrates runtime state on startup. It replaces
// the teacher's wire-generated initializeApplication with an explicit
// wiring function, since this module has no code-generation step.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/imroc/req/v3"
	"github.com/redis/go-redis/v9"

	"github.com/codex-lb/codex-lb/internal/config"
	"github.com/codex-lb/codex-lb/internal/logbuffer"
	"github.com/codex-lb/codex-lb/internal/mark"
	"github.com/codex-lb/codex-lb/internal/pkg/crypto"
	"github.com/codex-lb/codex-lb/internal/proxy"
	"github.com/codex-lb/codex-lb/internal/reconcile"
	"github.com/codex-lb/codex-lb/internal/snapshot"
	"github.com/codex-lb/codex-lb/internal/sticky"
	"github.com/codex-lb/codex-lb/internal/store/accountstore"
	"github.com/codex-lb/codex-lb/internal/store/opstore"
	"github.com/codex-lb/codex-lb/internal/token"
	"github.com/codex-lb/codex-lb/internal/usagerefresh"
)

// CryptoSalt is fixed per process: the Token Manager's AES key is derived
// once from the operator-supplied secret plus this salt, so the same key
// file always yields the same key across restarts. Exported so the
// migrate-legacy-accounts CLI path derives the identical key without
// opening the full App.
var CryptoSalt = []byte("codex-lb-token-encryption-v1")

// OpenAccountsOnly opens just the Account Store, for CLI paths (the
// legacy-account migration) that have no need for the operational store
// or any background loop.
func OpenAccountsOnly(cfg *config.Config) (*accountstore.Store, error) {
	return accountstore.Open(cfg.Store.AccountsDatabaseURL)
}

// App owns every long-lived collaborator and the background loops that
// need a clean shutdown.
type App struct {
	Config   *config.Config
	Accounts *accountstore.Store
	Ops      *opstore.Store
	Pipeline *proxy.Pipeline
	Mark     *mark.Engine
	Snapshot *snapshot.Builder

	usageLoop  *usagerefresh.Loop
	logs       *logbuffer.Buffer
	stickyConn io.Closer // non-nil only for the redis-backed sticky store
}

// Build opens both stores, wires every collaborator, and hydrates the
// Mark Engine's runtime state from each account's persisted reset_at, so
// a restart doesn't silently forget an in-progress cooldown.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	accounts, err := accountstore.Open(cfg.Store.AccountsDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open accounts store: %w", err)
	}

	ops, err := opstore.Open(cfg.Store.DatabaseURL)
	if err != nil {
		accounts.Close()
		return nil, fmt.Errorf("open operational store: %w", err)
	}

	keyBytes, err := os.ReadFile(cfg.Encryption.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read encryption key file: %w", err)
	}
	cryptoSvc := crypto.NewService(keyBytes, CryptoSalt)

	pinnedAdapter := &pinnedPoolAdapter{store: accounts}

	// The Mark Engine and Snapshot Builder each need to invalidate/read
	// the other, so the invalidator is bound through a forward reference
	// set once both sides exist.
	invalidatorRef := &lazyInvalidator{}

	markEngine := mark.New(accounts, pinnedAdapter, invalidatorRef, mark.Config{
		RateLimitPersistThreshold:    time.Duration(cfg.Mark.RateLimitPersistThresholdSeconds) * time.Second,
		UsageLimitMinCooldown:        time.Duration(cfg.Mark.UsageLimitMinCooldownSeconds) * time.Second,
		UsageLimitMaxInitialCooldown: time.Duration(cfg.Mark.UsageLimitMaxInitialCooldownSeconds) * time.Second,
		UsageLimitEscalateStreak:     cfg.Mark.UsageLimitEscalateStreakThreshold,
		TransientErrorMaxCooldown:    time.Duration(cfg.Mark.TransientErrorMaxCooldownSeconds) * time.Second,
	})

	snap := snapshot.New(accounts, ops, markEngine, cfg.SnapshotTTL())
	invalidatorRef.target = snap

	if err := hydrateRuntimeState(ctx, accounts, markEngine); err != nil {
		return nil, fmt.Errorf("hydrate runtime state: %w", err)
	}

	// The outbound OAuth token-refresh client impersonates a real Chrome
	// TLS fingerprint via req/v3's pooled client, matching the upstream
	// token endpoint's expectations the way the teacher's own refresh
	// client does. GetClient exposes the underlying *http.Client so it
	// still plugs into the stdlib-shaped oauth package.
	oauthHTTPClient := req.C().SetTimeout(30 * time.Second).ImpersonateChrome().GetClient()
	tokens := token.New(accounts, cryptoSvc, oauthHTTPClient, markEngine)

	stickyStore, stickyConn, err := buildStickyStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("build sticky store: %w", err)
	}

	logs := logbuffer.New(ops, logbuffer.Config{
		Capacity:      cfg.Log.BufferCapacity,
		FlushBatch:    cfg.Log.FlushBatchSize,
		FlushInterval: time.Duration(cfg.Log.FlushIntervalSeconds) * time.Second,
	})
	logs.Start()

	upstreamClient := &http.Client{Timeout: 120 * time.Second}
	pipeline := proxy.New(snap, pinnedAdapter, stickyStore, tokens, markEngine, logs, upstreamClient, proxy.Config{
		UpstreamBaseURL:      cfg.Upstream.BaseURL,
		MaxAttempts:          cfg.Proxy.MaxAttempts,
		CompactTimeout:       time.Duration(cfg.Upstream.CompactTimeoutSeconds) * time.Second,
		StreamReadTimeout:    time.Duration(cfg.Upstream.StreamReadTimeoutSeconds) * time.Second,
		StreamBufferMode:     cfg.Proxy.StreamBufferMode,
		StreamBufferPrelude:  cfg.StreamBufferPreludeTimeout(),
		StreamBufferCapBytes: cfg.Proxy.StreamBufferCapBytes,
		StickyTTL:            cfg.StickyTTL(),
		FingerprintSecret:    keyBytes,
	})

	usageLoop := usagerefresh.New(accounts, tokens, ops, markEngine, snap, upstreamClient, cfg.Upstream.BaseURL, usagerefresh.Config{
		Interval:    cfg.UsageRefreshInterval(),
		Concurrency: cfg.UsageRefresh.Concurrency,
	})
	usageLoop.Start()

	return &App{
		Config:     cfg,
		Accounts:   accounts,
		Ops:        ops,
		Pipeline:   pipeline,
		Mark:       markEngine,
		Snapshot:   snap,
		usageLoop:  usageLoop,
		logs:       logs,
		stickyConn: stickyConn,
	}, nil
}

// Reconcile runs one pass of the lazy read-path convergence sweep (spec.md
// §4.K); callers may run this on its own ticker alongside the usage
// refresh loop, or on demand from a debug endpoint.
func (a *App) Reconcile(ctx context.Context) (int, error) {
	r := reconcile.New(a.Accounts, a.Accounts, a.Snapshot)
	return r.Reconcile(ctx)
}

// Cleanup stops every background loop and closes both databases, in the
// order that avoids a loop touching an already-closed store.
func (a *App) Cleanup() {
	if a.usageLoop != nil {
		a.usageLoop.Stop()
	}
	if a.stickyConn != nil {
		a.stickyConn.Close()
	}
	if a.logs != nil {
		a.logs.Stop()
	}
	if a.Ops != nil {
		a.Ops.Close()
	}
	if a.Accounts != nil {
		a.Accounts.Close()
	}
}

// hydrateRuntimeState seeds the Mark Engine's in-memory RuntimeAccountState
// from each account's persisted reset_at, so a process restart doesn't
// forget an in-progress cooldown until the next failed request re-marks
// it. Accounts with no reset_at are left at their zero runtime state.
func hydrateRuntimeState(ctx context.Context, accounts *accountstore.Store, markEngine *mark.Engine) error {
	all, err := accounts.List(ctx)
	if err != nil {
		return err
	}
	for _, acc := range all {
		if acc.ResetAt != nil {
			markEngine.Hydrate(acc.ID, acc.ResetAt)
		}
	}
	return nil
}

func buildStickyStore(cfg *config.Config) (sticky.Store, io.Closer, error) {
	switch cfg.Sticky.Backend {
	case config.StickyBackendDB:
		opt, err := redis.ParseURL(cfg.Sticky.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse sticky.redis_url: %w", err)
		}
		rdb := redis.NewClient(opt)
		return sticky.NewRedisStore(rdb), rdb, nil
	default:
		mem := sticky.NewMemoryStore(5 * time.Minute)
		return mem, nil, nil
	}
}

// lazyInvalidator satisfies both mark.Invalidator and usagerefresh.Invalidator
// before the Snapshot Builder they both invalidate actually exists yet.
type lazyInvalidator struct {
	target interface{ Invalidate() }
}

func (l *lazyInvalidator) Invalidate() {
	if l.target != nil {
		l.target.Invalidate()
	}
}

// pinnedPoolAdapter bridges the Account Store's dashboard-settings row to
// the narrow PinnedAccountIDs/PruneFromPinned interfaces the Proxy
// Pipeline and Mark Engine each consume.
type pinnedPoolAdapter struct {
	store *accountstore.Store
}

func (p *pinnedPoolAdapter) PinnedAccountIDs(ctx context.Context) []string {
	settings, err := p.store.GetSettings(ctx)
	if err != nil {
		return nil
	}
	return settings.PinnedAccountIDs
}

func (p *pinnedPoolAdapter) PruneFromPinned(ctx context.Context, accountID string) error {
	settings, err := p.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(settings.PinnedAccountIDs))
	for _, id := range settings.PinnedAccountIDs {
		if id != accountID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(settings.PinnedAccountIDs) {
		return nil
	}
	return p.store.SetPinnedAccountIDs(ctx, kept)
}
