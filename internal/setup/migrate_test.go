package setup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codex-lb/codex-lb/internal/model"
	"github.com/codex-lb/codex-lb/internal/pkg/crypto"
	"github.com/codex-lb/codex-lb/internal/store/accountstore"
)

func openTestStore(t *testing.T) *accountstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := accountstore.Open(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func writeLegacyFile(t *testing.T, entries []legacyAccount) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.json")
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestMigrateLegacyAccountsImportsAndEncrypts(t *testing.T) {
	store := openTestStore(t)
	cryptoSvc := crypto.NewService([]byte("test-secret"), []byte("test-salt"))

	path := writeLegacyFile(t, []legacyAccount{
		{Email: "a@example.com", PlanType: "Pro", AccessToken: "at-1", RefreshToken: "rt-1", IDToken: "idt-1", ChatGPTAccountID: "cg-1"},
		{Email: "b@example.com", AccessToken: "at-2", RefreshToken: "rt-2"},
	})

	count, err := MigrateLegacyAccounts(context.Background(), path, store, cryptoSvc)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	acc, err := store.GetByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	require.Equal(t, model.PlanPro, acc.PlanType)
	require.Equal(t, model.StatusActive, acc.Status)
	require.NotEqual(t, "at-1", acc.AccessTokenCiphertext, "token must be encrypted at rest")

	plaintext, err := cryptoSvc.Decrypt(acc.AccessTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "at-1", plaintext)

	acc2, err := store.GetByEmail(context.Background(), "b@example.com")
	require.NoError(t, err)
	require.Equal(t, model.PlanUnknown, acc2.PlanType)
}

func TestMigrateLegacyAccountsSkipsBlankEmail(t *testing.T) {
	store := openTestStore(t)
	cryptoSvc := crypto.NewService([]byte("test-secret"), []byte("test-salt"))

	path := writeLegacyFile(t, []legacyAccount{
		{Email: "", AccessToken: "at-1"},
		{Email: "ok@example.com", AccessToken: "at-2"},
	})

	count, err := MigrateLegacyAccounts(context.Background(), path, store, cryptoSvc)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMigrateLegacyAccountsMissingFile(t *testing.T) {
	store := openTestStore(t)
	cryptoSvc := crypto.NewService([]byte("test-secret"), []byte("test-salt"))

	_, err := MigrateLegacyAccounts(context.Background(), "/no/such/file.json", store, cryptoSvc)
	require.Error(t, err)
}
