// Package accountstore is the Account Store (spec.md §4.A): durable
// identity, encrypted tokens, plan, status, and reset_at for every pooled
// account. It is backed by its own sqlite file using rollback journaling
// so the file can roam safely across file-sync backup tooling, separate
// from the operational database (internal/store/opstore).
package accountstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codex-lb/codex-lb/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when an account id/email lookup finds no row.
var ErrNotFound = errors.New("accountstore: not found")

// Store is the Account Store, single-writer per spec.md §5.
type Store struct {
	db *sql.DB
}

// Open creates/migrates the accounts database at path and configures
// rollback journaling: spec.md §6 requires this database to "be safe for
// file-sync roaming", which rules out WAL's auxiliary -wal/-shm files.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open accounts db: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer per embedded database file

	for _, pragma := range []string{
		"PRAGMA journal_mode=DELETE",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create accounts schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

const accountCols = `id, email, plan_type, access_token_enc, refresh_token_enc, id_token_enc,
	access_token_expires_at, chatgpt_account_id, status, deactivation_reason, reset_at,
	schedulable, priority, last_used_at, proxy_url, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (model.Account, error) {
	var a model.Account
	var expiresAt, resetAt, lastUsedAt sql.NullInt64
	var createdAt, updatedAt int64
	var schedulable int

	err := row.Scan(
		&a.ID, &a.Email, &a.PlanType, &a.AccessTokenCiphertext, &a.RefreshTokenCiphertext, &a.IDTokenCiphertext,
		&expiresAt, &a.ChatGPTAccountID, &a.Status, &a.DeactivationReason, &resetAt,
		&schedulable, &a.Priority, &lastUsedAt, &a.ProxyURL, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Account{}, err
	}

	a.Schedulable = schedulable != 0
	a.AccessTokenExpiresAt = nullableTime(expiresAt)
	a.ResetAt = nullableTime(resetAt)
	a.LastUsedAt = nullableTime(lastUsedAt)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return a, nil
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// GetByID returns a single account, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	return a, err
}

// GetByEmail returns the account with the given email, or ErrNotFound.
func (s *Store) GetByEmail(ctx context.Context, email string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE email = ?", email)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	return a, err
}

// GetByIDs returns whichever of ids exist, in no particular order.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]model.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE id IN ("+string(placeholders)+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// List returns every account.
func (s *Store) List(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountCols+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create inserts a new account. On an email collision, the existing row's
// tokens and identity are overwritten (last-write-wins upsert), matching
// spec.md §4.A's "uniqueness on email (last-write-wins with
// encrypted-token upsert on collision)".
func (s *Store) Create(ctx context.Context, a model.Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, email, plan_type, access_token_enc, refresh_token_enc, id_token_enc,
			access_token_expires_at, chatgpt_account_id, status, deactivation_reason, reset_at,
			schedulable, priority, last_used_at, proxy_url, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(email) WHERE email != '' DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			id_token_enc = excluded.id_token_enc,
			access_token_expires_at = excluded.access_token_expires_at,
			chatgpt_account_id = excluded.chatgpt_account_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		a.ID, a.Email, string(a.PlanType), a.AccessTokenCiphertext, a.RefreshTokenCiphertext, a.IDTokenCiphertext,
		timeOrNil(a.AccessTokenExpiresAt), a.ChatGPTAccountID, string(a.Status), string(a.DeactivationReason), timeOrNil(a.ResetAt),
		boolToInt(a.Schedulable), a.Priority, timeOrNil(a.LastUsedAt), a.ProxyURL, a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	return translateErr(err)
}

// UpdateTokens persists rotated OAuth tokens. Per spec.md §4.E, callers
// must write the rotated refresh token here before using it again.
func (s *Store) UpdateTokens(ctx context.Context, id, accessTokenCiphertext, refreshTokenCiphertext, idTokenCiphertext string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET access_token_enc = ?, refresh_token_enc = ?, id_token_enc = ?,
			access_token_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		accessTokenCiphertext, refreshTokenCiphertext, idTokenCiphertext, timeOrNil(expiresAt), time.Now().Unix(), id,
	)
	return translateErr(err)
}

// UpdateStatus transitions status/deactivation_reason/reset_at for one
// account (Mark Engine, Reconciler).
func (s *Store) UpdateStatus(ctx context.Context, id string, status model.AccountStatus, reason model.DeactivationReason, resetAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ?, deactivation_reason = ?, reset_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), string(reason), timeOrNil(resetAt), time.Now().Unix(), id,
	)
	return translateErr(err)
}

// BulkUpdateStatus applies the same status/reset_at transition to many
// accounts in one statement, used by the Reconciler's bulk convergence.
func (s *Store) BulkUpdateStatus(ctx context.Context, ids []string, status model.AccountStatus, resetAt *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, 0, len(ids)+3)
	args = append(args, string(status), timeOrNil(resetAt), time.Now().Unix())
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET status = ?, reset_at = ?, updated_at = ? WHERE id IN ("+string(placeholders)+")",
		args...,
	)
	return translateErr(err)
}

// UpdateLastUsedAt records selection time for tie-break ordering.
func (s *Store) UpdateLastUsedAt(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE accounts SET last_used_at = ?, updated_at = ? WHERE id = ?", at.Unix(), time.Now().Unix(), id)
	return translateErr(err)
}

// Delete removes an account. Cascading deletes of usage/logs/sticky in the
// operational store are performed by the caller (application-level
// cascade, since the two stores have no shared foreign keys per spec.md
// §6).
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	return translateErr(err)
}

// GetSettings returns the single dashboard settings row.
func (s *Store) GetSettings(ctx context.Context) (model.DashboardSettings, error) {
	var pinnedJSON string
	var retention int
	err := s.db.QueryRowContext(ctx, "SELECT pinned_account_ids_json, request_log_retention_days FROM dashboard_settings WHERE id = 1").
		Scan(&pinnedJSON, &retention)
	if err != nil {
		return model.DashboardSettings{}, err
	}
	ids := decodeStringList(pinnedJSON)
	return model.DashboardSettings{PinnedAccountIDs: ids, RequestLogRetentionDays: retention}, nil
}

// SetPinnedAccountIDs overwrites the pinned pool.
func (s *Store) SetPinnedAccountIDs(ctx context.Context, ids []string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE dashboard_settings SET pinned_account_ids_json = ? WHERE id = 1", encodeStringList(ids))
	return translateErr(err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// translateErr normalizes sqlite-specific errors into package sentinels so
// callers never need to inspect driver error strings.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
