// Package token is the Token Manager (spec.md §4.E): it hands callers a
// fresh access token for an account, transparently refreshing it against
// the Codex OAuth token endpoint when expired or near expiry, and
// coalesces concurrent refreshes for the same account into one upstream
// call via singleflight.
package token

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codex-lb/codex-lb/internal/model"
	"github.com/codex-lb/codex-lb/internal/pkg/crypto"
	"github.com/codex-lb/codex-lb/internal/pkg/lberrors"
	"github.com/codex-lb/codex-lb/internal/pkg/oauth"
)

// AccountStore is the subset of accountstore.Store the Token Manager needs.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (model.Account, error)
	UpdateTokens(ctx context.Context, id, accessTokenCiphertext, refreshTokenCiphertext, idTokenCiphertext string, expiresAt *time.Time) error
}

// DeactivationSink receives a deactivation signal when a refresh fails in
// a way that should take the account out of rotation, per spec.md §4.H.
type DeactivationSink interface {
	MarkAuthRefreshFailed(ctx context.Context, accountID string, cause error)
}

// SafetyMargin is how far ahead of actual expiry a token is treated as
// expired, giving an in-flight request room to complete after refresh.
const SafetyMargin = 2 * time.Minute

// Manager is the Token Manager.
type Manager struct {
	store      AccountStore
	crypto     *crypto.Service
	httpClient *http.Client
	deactivate DeactivationSink

	group singleflight.Group
}

func New(store AccountStore, cryptoSvc *crypto.Service, httpClient *http.Client, deactivate DeactivationSink) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{store: store, crypto: cryptoSvc, httpClient: httpClient, deactivate: deactivate}
}

// GetFreshAccessToken returns a usable plaintext access token for account,
// refreshing it first if it is expired or within SafetyMargin of expiry.
// Concurrent callers for the same account share one refresh via
// singleflight, so a burst of requests against a just-expired account
// triggers exactly one upstream call.
func (m *Manager) GetFreshAccessToken(ctx context.Context, accountID string) (string, error) {
	account, err := m.store.GetByID(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}

	if !account.IsTokenExpired(SafetyMargin) {
		return m.crypto.Decrypt(account.AccessTokenCiphertext)
	}

	v, err, _ := m.group.Do(accountID, func() (any, error) {
		return m.refresh(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, accountID string) (string, error) {
	account, err := m.store.GetByID(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}

	// Another goroutine may have already refreshed while this one waited
	// to enter the singleflight group; re-check before hitting upstream.
	if !account.IsTokenExpired(SafetyMargin) {
		return m.crypto.Decrypt(account.AccessTokenCiphertext)
	}

	refreshToken, err := m.crypto.Decrypt(account.RefreshTokenCiphertext)
	if err != nil {
		return "", lberrors.New(lberrors.CodeAuthRefreshFailed, "decrypt refresh token")
	}

	result, err := oauth.Refresh(ctx, m.httpClient, refreshToken)
	if err != nil {
		if m.deactivate != nil {
			m.deactivate.MarkAuthRefreshFailed(ctx, accountID, err)
		}
		code := lberrors.CodeAuthRefreshFailed
		if oauth.IsInvalidGrant(err) {
			code = lberrors.CodeRefreshTokenReused
		}
		return "", lberrors.New(code, "refresh token exchange").WithCause(err)
	}

	accessCiphertext, err := m.crypto.Encrypt(result.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCiphertext, err := m.crypto.Encrypt(result.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	idCiphertext, err := m.crypto.Encrypt(result.IDToken)
	if err != nil {
		return "", fmt.Errorf("encrypt id token: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	// Persist the rotated refresh token before returning: per spec.md §4.E,
	// using a refresh token twice gets it rejected upstream, so the write
	// must land before any caller can act on this result.
	if err := m.store.UpdateTokens(ctx, accountID, accessCiphertext, refreshCiphertext, idCiphertext, &expiresAt); err != nil {
		return "", fmt.Errorf("persist rotated tokens: %w", err)
	}

	return result.AccessToken, nil
}
