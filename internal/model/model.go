// Package model defines the durable and in-memory record types shared
// across the account store, usage store, selection engine, and proxy
// pipeline.
package model

import "time"

// PlanType is the upstream subscription tier reported for an account.
type PlanType string

const (
	PlanFree       PlanType = "free"
	PlanPlus       PlanType = "plus"
	PlanPro        PlanType = "pro"
	PlanTeam       PlanType = "team"
	PlanBusiness   PlanType = "business"
	PlanEnterprise PlanType = "enterprise"
	PlanEdu        PlanType = "edu"
	PlanUnknown    PlanType = "unknown"
)

// AccountStatus is the durable lifecycle state of a pooled account.
type AccountStatus string

const (
	StatusActive        AccountStatus = "active"
	StatusPaused         AccountStatus = "paused"
	StatusRateLimited    AccountStatus = "rate_limited"
	StatusQuotaExceeded  AccountStatus = "quota_exceeded"
	StatusDeactivated    AccountStatus = "deactivated"
)

// DeactivationReason explains why an account was durably deactivated.
type DeactivationReason string

const (
	DeactivationAuthRefreshFailed       DeactivationReason = "auth_refresh_failed"
	DeactivationPermanentUpstreamFailure DeactivationReason = "permanent_upstream_failure"
	DeactivationRefreshTokenReused      DeactivationReason = "refresh_token_reused"
)

// Account is a single pooled ChatGPT/Codex OAuth account.
type Account struct {
	ID       string
	Email    string
	PlanType PlanType

	// Encrypted at rest; always empty in API responses and logs.
	AccessTokenCiphertext  string
	RefreshTokenCiphertext string
	IDTokenCiphertext      string
	AccessTokenExpiresAt   *time.Time

	ChatGPTAccountID string // claim extracted from id_token, used as upstream header

	Status             AccountStatus
	DeactivationReason DeactivationReason
	ResetAt            *time.Time // durable "blocked until" for rate_limited/quota_exceeded

	Schedulable bool
	Priority    int
	LastUsedAt  *time.Time

	ProxyURL string // optional per-account egress proxy

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTokenExpired reports whether the access token is expired or will expire
// within safetyMargin.
func (a *Account) IsTokenExpired(safetyMargin time.Duration) bool {
	if a.AccessTokenExpiresAt == nil {
		return false
	}
	return time.Now().Add(safetyMargin).After(*a.AccessTokenExpiresAt)
}

// UsageWindow identifies which upstream quota bucket a sample belongs to.
type UsageWindow string

const (
	WindowPrimary   UsageWindow = "primary"
	WindowSecondary UsageWindow = "secondary"
)

// primaryWindowCeilingMinutes is the invariant boundary from spec.md §3:
// a sample labeled primary whose window_minutes is at or above this MUST be
// reclassified as secondary.
const primaryWindowCeilingMinutes = 1440

// UsageSample is one append-only observation of an account's usage within
// a window.
type UsageSample struct {
	ID              int64
	AccountID       string
	Window          UsageWindow
	RecordedAt      time.Time
	UsedPercent     float64
	ResetAt         *time.Time
	WindowMinutes   int
	CapacityCredits *float64
}

// Normalize re-labels a mis-classified window per the spec.md §3 invariant:
// primary.window_minutes < 1440. It returns a copy; the receiver's Window
// field is not mutated.
func (s UsageSample) Normalize() UsageSample {
	if s.Window == WindowPrimary && s.WindowMinutes >= primaryWindowCeilingMinutes {
		s.Window = WindowSecondary
	}
	return s
}

// RequestStatus classifies a terminal proxy outcome for logging.
type RequestStatus string

const (
	RequestOK        RequestStatus = "ok"
	RequestRateLimit RequestStatus = "rate_limit"
	RequestQuota     RequestStatus = "quota"
	RequestError     RequestStatus = "error"
)

// RequestLog is one terminal proxy outcome, buffered before durable write.
type RequestLog struct {
	RequestID           string
	AccountID           string
	RequestedAt         time.Time
	LatencyMS           int64
	Status              RequestStatus
	ErrorCode           string
	ErrorMessage        string
	Model               string
	ReasoningEffort     string
	PromptTokens        int64
	CompletionTokens    int64
	TotalTokens         int64
	CodexSessionID      string
	CodexConversationID string
	FingerprintHMAC     string
}

// StickyEntry pins a client fingerprint to an account for a bounded time.
type StickyEntry struct {
	Fingerprint string
	AccountID   string
	ExpiresAt   time.Time
}

// RuntimeAccountState is the in-memory, per-account state owned by the Mark
// Engine. It is never durably persisted in full; only the subset the spec
// requires (status/reset_at) is written through to the Account Store.
type RuntimeAccountState struct {
	AccountID     string
	CooldownUntil time.Time // rate_limited/usage_limit/quota_exceeded cooldown
	ErrorCount    int
	LastErrorAt   time.Time
	LastSelectedAt time.Time
	ResetAtHint   time.Time // ephemeral; may be earlier or later than Account.ResetAt

	// ErrorCooldownUntil is the exponential backoff window from a
	// transient upstream/transport error, tracked separately from
	// CooldownUntil so the Selection Engine can report error_backoff as
	// distinct from a rate/usage/quota cooldown (spec.md's ineligibility
	// taxonomy).
	ErrorCooldownUntil time.Time
}

// EffectiveResetAt is max(persisted reset_at, runtime reset_at hint),
// treating missing components as -infinity, per spec.md §4.G Step 2.
func EffectiveResetAt(persisted *time.Time, runtimeHint time.Time) time.Time {
	var p time.Time
	if persisted != nil {
		p = *persisted
	}
	if runtimeHint.After(p) {
		return runtimeHint
	}
	return p
}

// AccountView is one entry in a SelectionSnapshot: an account merged with
// its latest usage samples and runtime state.
type AccountView struct {
	Account   Account
	Primary   *UsageSample
	Secondary *UsageSample
	Runtime   RuntimeAccountState
}

// SelectionSnapshot is the immutable, TTL-bound read projection the
// Selection Engine operates over.
type SelectionSnapshot struct {
	Accounts []AccountView
	BuiltAt  time.Time
}

// DashboardSettings is the single-row operator-configurable settings
// record.
type DashboardSettings struct {
	PinnedAccountIDs []string
	RequestLogRetentionDays int
}
