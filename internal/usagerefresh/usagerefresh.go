// Package usagerefresh is the Usage Refresh Loop (spec.md §4.J): a ticking
// background task that polls the upstream usage endpoint per account,
// appends Usage Store samples, and applies the derived quota_exceeded /
// recovered state transitions through the Mark Engine.
package usagerefresh

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/codex-lb/codex-lb/internal/model"
)

// AccountLister supplies the candidate account list for a refresh tick.
type AccountLister interface {
	List(ctx context.Context) ([]model.Account, error)
}

// TokenSource supplies a fresh access token per account.
type TokenSource interface {
	GetFreshAccessToken(ctx context.Context, accountID string) (string, error)
}

// UsageAppender is the Usage Store's write path.
type UsageAppender interface {
	AppendUsageSample(ctx context.Context, sample model.UsageSample) error
}

// MarkSink is the subset of mark.Engine the refresh loop drives.
type MarkSink interface {
	MarkQuotaExceeded(ctx context.Context, accountID string, secondaryResetAt *time.Time)
	MarkRecovered(ctx context.Context, accountID string)
	MarkPermanentFailure(ctx context.Context, accountID string, reason model.DeactivationReason)
}

// Config tunes the loop's tick interval and fan-out.
type Config struct {
	Interval       time.Duration // default 60s
	Concurrency    int           // default 8
	UsagePath      string        // default "/wham/usage"
	RequestTimeout time.Duration // default 15s
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.UsagePath == "" {
		c.UsagePath = "/wham/usage"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	return c
}

// Loop runs the ticking usage-refresh worker, grounded on the teacher's
// token_refresh_service.go ticker/Start/Stop shape and its
// errgroup.SetLimit-based bounded fan-out from account_handler.go's bulk
// refresh endpoint.
type Loop struct {
	accounts   AccountLister
	tokens     TokenSource
	usage      UsageAppender
	mark       MarkSink
	invalidate Invalidator
	httpClient *http.Client
	upstream   string
	cfg        Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Invalidator is the Snapshot Builder's invalidation hook.
type Invalidator interface {
	Invalidate()
}

func New(accounts AccountLister, tokens TokenSource, usage UsageAppender, mark MarkSink, invalidate Invalidator, httpClient *http.Client, upstreamBaseURL string, cfg Config) *Loop {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Loop{
		accounts: accounts, tokens: tokens, usage: usage, mark: mark, invalidate: invalidate,
		httpClient: httpClient, upstream: upstreamBaseURL, cfg: cfg.withDefaults(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the ticker goroutine.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.tickLoop()
}

// Stop signals the ticker goroutine to exit and waits for the in-flight
// tick (if any) to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) tickLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.runTick()
		}
	}
}

func (l *Loop) runTick() {
	ctx := context.Background()
	accounts, err := l.accounts.List(ctx)
	if err != nil {
		log.Printf("usagerefresh: list accounts: %v", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)

	for _, acc := range accounts {
		acc := acc
		if acc.Status == model.StatusDeactivated || acc.Status == model.StatusPaused {
			continue
		}
		g.Go(func() error {
			l.refreshOne(gctx, acc)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Loop) refreshOne(ctx context.Context, acc model.Account) {
	token, err := l.tokens.GetFreshAccessToken(ctx, acc.ID)
	if err != nil {
		return // Token Manager already marked the auth failure.
	}

	reqCtx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, l.upstream+l.cfg.UsagePath, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		l.mark.MarkPermanentFailure(ctx, acc.ID, model.DeactivationPermanentUpstreamFailure)
		return
	}
	if resp.StatusCode != http.StatusOK {
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	now := time.Now()
	primary, primaryOK := parseUsageWindow(body, "primary", acc.ID, model.WindowPrimary, now)
	secondary, secondaryOK := parseUsageWindow(body, "secondary", acc.ID, model.WindowSecondary, now)

	shapeChanged := false
	if primaryOK {
		if err := l.usage.AppendUsageSample(ctx, primary); err != nil {
			log.Printf("usagerefresh: append primary sample for %s: %v", acc.ID, err)
		} else {
			shapeChanged = true
		}
	}
	if secondaryOK {
		if err := l.usage.AppendUsageSample(ctx, secondary); err != nil {
			log.Printf("usagerefresh: append secondary sample for %s: %v", acc.ID, err)
		} else {
			shapeChanged = true
		}
	}

	if secondaryOK {
		switch {
		case secondary.UsedPercent >= 100 && secondary.ResetAt != nil:
			l.mark.MarkQuotaExceeded(ctx, acc.ID, secondary.ResetAt)
		case secondary.UsedPercent < 100 && acc.Status == model.StatusQuotaExceeded:
			l.mark.MarkRecovered(ctx, acc.ID)
		}
	}

	if shapeChanged && l.invalidate != nil {
		l.invalidate.Invalidate()
	}
}

// parseUsageWindow extracts one window's fields from the usage response
// body, mirroring the field names the teacher's extractCodexUsageHeaders
// reads off response headers (used_percent / reset_after_seconds /
// window_minutes), here read from the JSON body's per-window object
// instead. Returns ok=false when the window is absent from the response.
func parseUsageWindow(body []byte, key string, accountID string, window model.UsageWindow, fetchedAt time.Time) (model.UsageSample, bool) {
	node := gjson.GetBytes(body, key)
	if !node.Exists() {
		return model.UsageSample{}, false
	}

	usedPercent := node.Get("used_percent")
	if !usedPercent.Exists() {
		return model.UsageSample{}, false
	}

	sample := model.UsageSample{
		AccountID:   accountID,
		Window:      window,
		RecordedAt:  fetchedAt,
		UsedPercent: usedPercent.Float(),
	}

	if wm := node.Get("window_minutes"); wm.Exists() {
		sample.WindowMinutes = int(wm.Int())
	}
	if ras := node.Get("reset_after_seconds"); ras.Exists() {
		resetAt := fetchedAt.Add(time.Duration(ras.Int()) * time.Second)
		sample.ResetAt = &resetAt
	} else if ra := node.Get("reset_at"); ra.Exists() {
		if t, err := time.Parse(time.RFC3339, ra.String()); err == nil {
			sample.ResetAt = &t
		}
	}
	if cc := node.Get("capacity_credits"); cc.Exists() {
		v := cc.Float()
		sample.CapacityCredits = &v
	}

	return sample.Normalize(), true
}
