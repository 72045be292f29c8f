package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codex-lb/codex-lb/internal/model"
	"github.com/codex-lb/codex-lb/internal/pkg/crypto"
	"github.com/codex-lb/codex-lb/internal/pkg/oauth"
)

// overrideTokenURLForTest points the package-level oauth.TokenURL at a test
// server and returns a restore function.
func overrideTokenURLForTest(url string) func() {
	orig := oauth.TokenURL
	oauth.TokenURL = url
	return func() { oauth.TokenURL = orig }
}

type fakeStore struct {
	accounts map[string]model.Account
	updates  int
}

func (f *fakeStore) GetByID(_ context.Context, id string) (model.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return model.Account{}, errNotFound
	}
	return a, nil
}

func (f *fakeStore) UpdateTokens(_ context.Context, id, access, refresh, idTok string, expiresAt *time.Time) error {
	f.updates++
	a := f.accounts[id]
	a.AccessTokenCiphertext = access
	a.RefreshTokenCiphertext = refresh
	a.IDTokenCiphertext = idTok
	a.AccessTokenExpiresAt = expiresAt
	f.accounts[id] = a
	return nil
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errNotFound = stubErr("not found")

type fakeDeactivator struct {
	calls int
}

func (f *fakeDeactivator) MarkAuthRefreshFailed(_ context.Context, _ string, _ error) { f.calls++ }

func newCryptoService(t *testing.T) *crypto.Service {
	t.Helper()
	return crypto.NewService([]byte("test-secret"), []byte("test-salt"))
}

func TestGetFreshAccessTokenReturnsUnexpired(t *testing.T) {
	cs := newCryptoService(t)
	ciphertext, err := cs.Encrypt("tok-123")
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	store := &fakeStore{accounts: map[string]model.Account{
		"acc-1": {ID: "acc-1", AccessTokenCiphertext: ciphertext, AccessTokenExpiresAt: &future},
	}}

	mgr := New(store, cs, nil, nil)
	got, err := mgr.GetFreshAccessToken(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, "tok-123", got)
	require.Equal(t, 0, store.updates)
}

func TestGetFreshAccessTokenRefreshesExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer server.Close()

	cs := newCryptoService(t)
	accessCiphertext, _ := cs.Encrypt("old-access")
	refreshCiphertext, _ := cs.Encrypt("old-refresh")
	past := time.Now().Add(-time.Hour)

	store := &fakeStore{accounts: map[string]model.Account{
		"acc-1": {ID: "acc-1", AccessTokenCiphertext: accessCiphertext, RefreshTokenCiphertext: refreshCiphertext, AccessTokenExpiresAt: &past},
	}}

	origTokenURL := overrideTokenURLForTest(server.URL)
	defer origTokenURL()

	mgr := New(store, cs, server.Client(), nil)
	got, err := mgr.GetFreshAccessToken(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, "new-access", got)
	require.Equal(t, 1, store.updates)
}

func TestGetFreshAccessTokenRefreshFailureDeactivates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	cs := newCryptoService(t)
	accessCiphertext, _ := cs.Encrypt("old-access")
	refreshCiphertext, _ := cs.Encrypt("old-refresh")
	past := time.Now().Add(-time.Hour)

	store := &fakeStore{accounts: map[string]model.Account{
		"acc-1": {ID: "acc-1", AccessTokenCiphertext: accessCiphertext, RefreshTokenCiphertext: refreshCiphertext, AccessTokenExpiresAt: &past},
	}}

	origTokenURL := overrideTokenURLForTest(server.URL)
	defer origTokenURL()

	deactivator := &fakeDeactivator{}
	mgr := New(store, cs, server.Client(), deactivator)
	_, err := mgr.GetFreshAccessToken(context.Background(), "acc-1")
	require.Error(t, err)
	require.Equal(t, 1, deactivator.calls)
}
