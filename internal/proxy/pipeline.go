// Package proxy is the Proxy Pipeline (spec.md §4.I): it turns one inbound
// OpenAI-compatible request into an upstream Codex call, retrying against
// a different account on a retryable failure and streaming the response
// back with invisible failover via prelude buffering.
package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/codex-lb/codex-lb/internal/logbuffer"
	"github.com/codex-lb/codex-lb/internal/mark"
	"github.com/codex-lb/codex-lb/internal/model"
	"github.com/codex-lb/codex-lb/internal/pkg/httpclient"
	"github.com/codex-lb/codex-lb/internal/pkg/lberrors"
	"github.com/codex-lb/codex-lb/internal/selection"
	"github.com/codex-lb/codex-lb/internal/sticky"
)

// SnapshotSource supplies the current SelectionSnapshot.
type SnapshotSource interface {
	Get(ctx context.Context) (*model.SelectionSnapshot, error)
}

// PinnedPoolSource supplies the dashboard's pinned account id pool.
type PinnedPoolSource interface {
	PinnedAccountIDs(ctx context.Context) []string
}

// TokenSource supplies fresh access tokens per account.
type TokenSource interface {
	GetFreshAccessToken(ctx context.Context, accountID string) (string, error)
}

// MarkSink is the subset of mark.Engine the pipeline drives.
type MarkSink interface {
	MarkSuccess(accountID string)
	MarkRateLimit(ctx context.Context, accountID string, upstreamHint *time.Time)
	MarkUsageLimitReached(ctx context.Context, accountID string, upstreamHint *time.Time, secondaryConfirmsExhausted bool)
	MarkQuotaExceeded(ctx context.Context, accountID string, secondaryResetAt *time.Time)
	MarkPermanentFailure(ctx context.Context, accountID string, reason model.DeactivationReason)
	MarkTransientError(accountID string)
}

// Config carries the pipeline's tunables, set from internal/config.
type Config struct {
	UpstreamBaseURL        string
	MaxAttempts            int
	CompactTimeout         time.Duration
	StreamReadTimeout      time.Duration
	StreamBufferMode       string // "off" | "prelude"
	StreamBufferPrelude    time.Duration
	StreamBufferCapBytes   int
	StickyTTL              time.Duration
	FingerprintSecret      []byte
}

// Pipeline wires every collaborator the Proxy Pipeline needs.
type Pipeline struct {
	snapshot   SnapshotSource
	pinned     PinnedPoolSource
	stickyGet  sticky.Store
	tokens     TokenSource
	mark       MarkSink
	logs       *logbuffer.Buffer
	httpClient *http.Client
	cfg        Config
	strategy   selection.Strategy
	decisions  *selection.DecisionLog
}

func New(snapshot SnapshotSource, pinned PinnedPoolSource, stickyStore sticky.Store, tokens TokenSource, markSink MarkSink, logs *logbuffer.Buffer, httpClient *http.Client, cfg Config) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Pipeline{
		snapshot: snapshot, pinned: pinned, stickyGet: stickyStore, tokens: tokens,
		mark: markSink, logs: logs, httpClient: httpClient, cfg: cfg,
		strategy:  selection.StrategyTierWeightedResetFirst,
		decisions: selection.NewDecisionLog(200),
	}
}

// RecentDecisions exposes the last n selection-engine outcomes for the
// debug surface (spec.md §6 DEBUG_ENDPOINTS_ENABLED).
func (p *Pipeline) RecentDecisions(n int) []selection.DecisionRecord {
	return p.decisions.Recent(n)
}

// Inbound is the normalized request the caller (internal/server's gin
// handler) extracts before calling the pipeline.
type Inbound struct {
	RequestID        string
	Path             string // upstream path suffix, e.g. "/responses" or "/responses/compact"
	Body             []byte
	Header           http.Header
	Stream           bool
	ForcedAccountID  string
	CacheKeyMaterial string // raw prompt-cache-key text, fingerprinted internally
	Model            string
}

// Outcome is what the pipeline hands back to the HTTP layer to write the
// response from — either a successful upstream response already consumed
// by streamTo, or a classified terminal error to render as an envelope.
type Outcome struct {
	Envelope   lberrors.Envelope
	HTTPStatus int
}

func (p *Pipeline) fingerprint(in Inbound) string {
	if in.CacheKeyMaterial == "" {
		return ""
	}
	return sticky.Fingerprint(p.cfg.FingerprintSecret, in.CacheKeyMaterial)
}

// Handle runs the attempt loop and writes the final response via w:
// doStream relays the streaming path, doCompact the non-streaming path.
// On a terminal failure (selection/auth failure, exhaustion) Handle writes
// the error envelope itself and returns the same error; a stream that
// fails after bytes reached the client returns nil.
func (p *Pipeline) Handle(ctx context.Context, in Inbound, w ResponseWriter) error {
	maxAttempts := p.cfg.MaxAttempts
	if in.ForcedAccountID != "" {
		maxAttempts = 1
	}

	fingerprint := p.fingerprint(in)
	startedAt := time.Now()
	var lastErr error
	flushed := false // set true once bytes are emitted to the client in stream mode; gates further retries

	for attempt := 0; attempt < maxAttempts; attempt++ {
		snap, err := p.snapshot.Get(ctx)
		if err != nil {
			return p.renderAndLog(ctx, in, "", startedAt, lberrors.New(lberrors.CodeInternal, "build snapshot").WithCause(err), w)
		}

		pinnedIDs := []string(nil)
		if p.pinned != nil {
			pinnedIDs = p.pinned.PinnedAccountIDs(ctx)
		}

		reqCtx := selection.RequestContext{ForcedAccountID: in.ForcedAccountID, Fingerprint: fingerprint, Now: time.Now()}
		res, err := selection.Select(snap, reqCtx, pinnedIDs, p.stickyLookup(ctx), p.strategy)
		p.recordDecision(in.RequestID, res, err)
		if err != nil {
			return p.renderAndLog(ctx, in, "", startedAt, lberrors.New(lberrors.CodeNoAccounts, "no eligible account"), w)
		}

		accountID := res.AccountID
		token, err := p.tokens.GetFreshAccessToken(ctx, accountID)
		if err != nil {
			p.mark.MarkPermanentFailure(ctx, accountID, model.DeactivationAuthRefreshFailed)
			lastErr = lberrors.New(lberrors.CodeAuthRefreshFailed, "token refresh failed").WithCause(err)
			continue
		}

		chatgptAccountID := p.accountIdentity(snap, accountID)
		headers := buildUpstreamHeaders(in.Header, token, chatgptAccountID)
		client := p.clientFor(snap, accountID)

		if in.Stream {
			flushedThisAttempt, err := p.doStream(ctx, in, accountID, client, headers, w)
			if flushedThisAttempt {
				flushed = true
			}
			if err == nil {
				p.onAttemptSuccess(ctx, accountID, fingerprint)
				p.logOutcome(ctx, in, accountID, startedAt, model.RequestOK, "")
				return nil
			}
			if flushed {
				// Bytes already reached the client: no more retries, stream
				// must end with an in-band SSE error instead.
				p.logOutcome(ctx, in, accountID, startedAt, model.RequestError, string(lberrors.GetCode(err)))
				return nil
			}
			lastErr = err
			p.applyMark(ctx, accountID, err, p.secondaryFor(snap, accountID))
			if !lberrors.IsRetryable(err) {
				break
			}
			continue
		}

		err = p.doCompact(ctx, in, accountID, client, headers, w)
		if err == nil {
			p.onAttemptSuccess(ctx, accountID, fingerprint)
			p.logOutcome(ctx, in, accountID, startedAt, model.RequestOK, "")
			return nil
		}
		lastErr = err
		p.applyMark(ctx, accountID, err, p.secondaryFor(snap, accountID))
		if !lberrors.IsRetryable(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = lberrors.New(lberrors.CodeUpstreamUnavailable, "exhausted attempts")
	}
	return p.renderAndLog(ctx, in, "", startedAt, lastErr, w)
}

func (p *Pipeline) recordDecision(requestID string, res selection.Result, err error) {
	if p.decisions == nil {
		return
	}
	rec := selection.DecisionRecord{
		RequestID:          requestID,
		AccountID:          res.AccountID,
		Pool:               res.Pool,
		FallbackFromPinned: res.FallbackFromPinned,
		At:                 time.Now(),
	}
	if err != nil {
		var noAvail *selection.ErrNoAvailable
		if e, ok := err.(*selection.ErrNoAvailable); ok {
			noAvail = e
			rec.IneligibleReasons = noAvail.IneligibleReasons
		}
		rec.Err = err.Error()
	} else {
		rec.IneligibleReasons = res.IneligibleReasons
	}
	p.decisions.Record(rec)
}

func (p *Pipeline) stickyLookup(ctx context.Context) selection.StickyLookup {
	return func(fingerprint string) (string, bool) {
		accountID, ok, err := p.stickyGet.Get(ctx, fingerprint)
		if err != nil || !ok {
			return "", false
		}
		return accountID, true
	}
}

func (p *Pipeline) accountIdentity(snap *model.SelectionSnapshot, accountID string) string {
	for _, v := range snap.Accounts {
		if v.Account.ID == accountID {
			return v.Account.ChatGPTAccountID
		}
	}
	return ""
}

// secondaryFor returns the account's latest secondary-window usage sample
// from the snapshot, or nil if the account or sample is unknown.
func (p *Pipeline) secondaryFor(snap *model.SelectionSnapshot, accountID string) *model.UsageSample {
	for _, v := range snap.Accounts {
		if v.Account.ID == accountID {
			return v.Secondary
		}
	}
	return nil
}

// clientFor returns the shared client for an account's configured egress
// proxy, falling back to the pipeline's direct client when the account has
// none set. Pooled and keyed by httpclient.GetClient so accounts sharing a
// proxy configuration share one Transport.
func (p *Pipeline) clientFor(snap *model.SelectionSnapshot, accountID string) *http.Client {
	for _, v := range snap.Accounts {
		if v.Account.ID != accountID {
			continue
		}
		if v.Account.ProxyURL == "" {
			return p.httpClient
		}
		client, err := httpclient.GetClient(httpclient.Options{
			ProxyURL:              v.Account.ProxyURL,
			Timeout:               p.httpClient.Timeout,
			ResponseHeaderTimeout: p.cfg.StreamReadTimeout,
		})
		if err != nil {
			return p.httpClient
		}
		return client
	}
	return p.httpClient
}

func (p *Pipeline) onAttemptSuccess(ctx context.Context, accountID, fingerprint string) {
	p.mark.MarkSuccess(accountID)
	if fingerprint != "" {
		_ = p.stickyGet.Put(ctx, fingerprint, accountID, p.cfg.StickyTTL)
	}
}

// applyMark classifies a terminal attempt error and drives the Mark
// Engine, deriving the upstream reset hint from the error itself (e.g. a
// parsed Retry-After) and falling back to the snapshot's secondary usage
// sample when it confirms the account is exhausted (used_percent >= 100
// with a known reset), matching the confirmation internal/usagerefresh
// applies on its own path. For quota_exceeded a confirmed secondary reset
// takes precedence over the error's own hint.
func (p *Pipeline) applyMark(ctx context.Context, accountID string, err error, secondary *model.UsageSample) {
	upstreamHint := lberrors.GetResetAt(err)
	secondaryConfirmsExhausted := secondary != nil && secondary.UsedPercent >= 100 && secondary.ResetAt != nil

	switch lberrors.GetCode(err) {
	case lberrors.CodeRateLimitExceeded:
		p.mark.MarkRateLimit(ctx, accountID, upstreamHint)
	case lberrors.CodeUsageLimitReached:
		hint := upstreamHint
		if hint == nil && secondaryConfirmsExhausted {
			hint = secondary.ResetAt
		}
		p.mark.MarkUsageLimitReached(ctx, accountID, hint, secondaryConfirmsExhausted)
	case lberrors.CodeQuotaExceeded:
		resetAt := upstreamHint
		if secondaryConfirmsExhausted {
			resetAt = secondary.ResetAt
		}
		p.mark.MarkQuotaExceeded(ctx, accountID, resetAt)
	case lberrors.CodeUpstreamUnavailable, lberrors.CodeTimeout:
		p.mark.MarkTransientError(accountID)
	}
}

func (p *Pipeline) renderAndLog(ctx context.Context, in Inbound, accountID string, startedAt time.Time, err error, w ResponseWriter) error {
	envelope, status := lberrors.ToEnvelope(err)
	w.WriteEnvelope(status, envelope)
	p.logOutcome(ctx, in, accountID, startedAt, classifyStatus(err), string(lberrors.GetCode(err)))
	return err
}

func classifyStatus(err error) model.RequestStatus {
	switch lberrors.GetCode(err) {
	case lberrors.CodeRateLimitExceeded, lberrors.CodeUsageLimitReached:
		return model.RequestRateLimit
	case lberrors.CodeQuotaExceeded, lberrors.CodeInsufficientQuota:
		return model.RequestQuota
	default:
		return model.RequestError
	}
}

func (p *Pipeline) logOutcome(ctx context.Context, in Inbound, accountID string, startedAt time.Time, status model.RequestStatus, errCode string) {
	if p.logs == nil {
		return
	}
	p.logs.Enqueue(model.RequestLog{
		RequestID:       in.RequestID,
		AccountID:       accountID,
		RequestedAt:     startedAt,
		LatencyMS:       time.Since(startedAt).Milliseconds(),
		Status:          status,
		ErrorCode:       errCode,
		Model:           in.Model,
		FingerprintHMAC: p.fingerprint(in),
	})
}
