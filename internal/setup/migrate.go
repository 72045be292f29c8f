// Package setup provides the CLI surface that creates a real caller path
// for an operator to migrate accounts into the Account Store without
// building a web setup wizard: a legacy JSON export (one object per
// account) in, an encrypted row per account out.
package setup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codex-lb/codex-lb/internal/model"
	"github.com/codex-lb/codex-lb/internal/pkg/crypto"
	"github.com/codex-lb/codex-lb/internal/store/accountstore"
)

// legacyAccount is the shape of one entry in the import file: a
// plaintext export of an account's identity and OAuth tokens, the way an
// operator would dump them from a prior pooling tool.
type legacyAccount struct {
	Email            string `json:"email"`
	PlanType         string `json:"plan_type"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	ProxyURL         string `json:"proxy_url"`
}

// MigrateLegacyAccounts reads a JSON array of legacyAccount from path,
// encrypts each account's tokens, and upserts it into the store. Returns
// the number of accounts imported.
func MigrateLegacyAccounts(ctx context.Context, path string, store *accountstore.Store, cryptoSvc *crypto.Service) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read legacy accounts file: %w", err)
	}

	var legacy []legacyAccount
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return 0, fmt.Errorf("parse legacy accounts file: %w", err)
	}

	imported := 0
	for _, la := range legacy {
		if strings.TrimSpace(la.Email) == "" {
			continue
		}
		acc, err := buildAccount(la, cryptoSvc)
		if err != nil {
			return imported, fmt.Errorf("encrypt tokens for %s: %w", la.Email, err)
		}
		if err := store.Create(ctx, acc); err != nil {
			return imported, fmt.Errorf("create account %s: %w", la.Email, err)
		}
		imported++
	}
	return imported, nil
}

func buildAccount(la legacyAccount, cryptoSvc *crypto.Service) (model.Account, error) {
	accessEnc, err := cryptoSvc.Encrypt(la.AccessToken)
	if err != nil {
		return model.Account{}, err
	}
	refreshEnc, err := cryptoSvc.Encrypt(la.RefreshToken)
	if err != nil {
		return model.Account{}, err
	}
	idEnc, err := cryptoSvc.Encrypt(la.IDToken)
	if err != nil {
		return model.Account{}, err
	}

	plan := model.PlanType(strings.ToLower(strings.TrimSpace(la.PlanType)))
	if plan == "" {
		plan = model.PlanUnknown
	}

	return model.Account{
		ID:                     uuid.NewString(),
		Email:                  la.Email,
		PlanType:               plan,
		AccessTokenCiphertext:  accessEnc,
		RefreshTokenCiphertext: refreshEnc,
		IDTokenCiphertext:      idEnc,
		ChatGPTAccountID:       la.ChatGPTAccountID,
		ProxyURL:               la.ProxyURL,
		Status:                 model.StatusActive,
		Schedulable:            true,
		Priority:               0,
		CreatedAt:              time.Now().UTC(),
	}, nil
}

// RunCLI prompts for the legacy accounts file path and runs the import,
// in the same bufio.Reader prompt idiom as the teacher's install wizard.
func RunCLI(ctx context.Context, store *accountstore.Store, cryptoSvc *crypto.Service) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println()
	fmt.Println("── Legacy Account Migration ──")
	fmt.Print("  Path to legacy accounts JSON export: ")
	path, _ := reader.ReadString('\n')
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("no path given")
	}

	count, err := MigrateLegacyAccounts(ctx, path, store, cryptoSvc)
	if err != nil {
		return err
	}
	fmt.Printf("  Imported %d account(s).\n", count)
	return nil
}
