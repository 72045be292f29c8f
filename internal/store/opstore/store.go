// Package opstore is the Operational Store: usage history and request
// logs (spec.md §4.B, §4.C). It is backed by its own sqlite file using WAL
// journaling, separate from the accounts database
// (internal/store/accountstore) so roaming-safety requirements on the
// identity file don't force WAL's aux files onto it. The durable Sticky
// Session Store backend (§4.D) lives in internal/sticky against redis
// instead, so its TTL is native (see DESIGN.md).
package opstore

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

var ErrNotFound = errors.New("opstore: not found")

// Store is the Operational Store, single-writer per spec.md §5.
type Store struct {
	db *sql.DB
}

// Open creates/migrates the operational database at path under WAL
// journaling: this file is written far more often than the accounts file
// and has no roaming-safety requirement.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open operational db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create operational schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AppendUsageSample records one usage observation. Usage history is
// append-only per spec.md §3; callers normalize via model.UsageSample.Normalize
// before calling this.
func (s *Store) AppendUsageSample(ctx context.Context, sample model.UsageSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_history (account_id, window, recorded_at, used_percent, reset_at, window_minutes, capacity_credits)
		VALUES (?,?,?,?,?,?,?)`,
		sample.AccountID, string(sample.Window), sample.RecordedAt.Unix(), sample.UsedPercent,
		timeOrNil(sample.ResetAt), sample.WindowMinutes, capacityOrNil(sample.CapacityCredits),
	)
	return err
}

// LatestByAccount returns the most recent sample for account in window, or
// ErrNotFound. It relies on idx_usage_history_lookup so this is an index
// seek, not a scan over the account's full history.
func (s *Store) LatestByAccount(ctx context.Context, accountID string, window model.UsageWindow) (model.UsageSample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, window, recorded_at, used_percent, reset_at, window_minutes, capacity_credits
		FROM usage_history
		WHERE account_id = ? AND window = ?
		ORDER BY recorded_at DESC
		LIMIT 1`, accountID, string(window))
	sample, err := scanUsageSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.UsageSample{}, ErrNotFound
	}
	return sample, err
}

// LatestPrimarySecondaryByAccount returns, for every account with any
// usage history, its newest primary and newest secondary sample in one
// pass — the Snapshot Builder's per-account merge step needs both without
// re-querying per account per window.
func (s *Store) LatestPrimarySecondaryByAccount(ctx context.Context) (map[string]model.AccountView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.account_id, h.window, h.recorded_at, h.used_percent, h.reset_at, h.window_minutes, h.capacity_credits
		FROM usage_history h
		JOIN (
			SELECT account_id, window, MAX(recorded_at) AS max_recorded_at
			FROM usage_history
			GROUP BY account_id, window
		) latest
		ON latest.account_id = h.account_id AND latest.window = h.window AND latest.max_recorded_at = h.recorded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.AccountView)
	for rows.Next() {
		sample, err := scanUsageSample(rows)
		if err != nil {
			return nil, err
		}
		view := out[sample.AccountID]
		s := sample
		switch s.Window {
		case model.WindowPrimary:
			view.Primary = &s
		case model.WindowSecondary:
			view.Secondary = &s
		}
		out[sample.AccountID] = view
	}
	return out, rows.Err()
}

func scanUsageSample(row interface{ Scan(...any) error }) (model.UsageSample, error) {
	var s model.UsageSample
	var window string
	var recordedAt int64
	var resetAt sql.NullInt64
	var capacity sql.NullFloat64

	err := row.Scan(&s.ID, &s.AccountID, &window, &recordedAt, &s.UsedPercent, &resetAt, &s.WindowMinutes, &capacity)
	if err != nil {
		return model.UsageSample{}, err
	}
	s.Window = model.UsageWindow(window)
	s.RecordedAt = time.Unix(recordedAt, 0).UTC()
	s.ResetAt = nullableTime(resetAt)
	if capacity.Valid {
		v := capacity.Float64
		s.CapacityCredits = &v
	}
	return s, nil
}

// AppendRequestLog inserts one terminal request outcome. Called by the
// Request Log Buffer's batch flusher, never from the hot path directly.
func (s *Store) AppendRequestLog(ctx context.Context, log model.RequestLog) error {
	return s.AppendRequestLogs(ctx, []model.RequestLog{log})
}

// AppendRequestLogs inserts a batch of request logs in a single
// transaction, matching the Request Log Buffer's batched-flush design
// (spec.md §4.C).
func (s *Store) AppendRequestLogs(ctx context.Context, logs []model.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO request_logs (
			request_id, account_id, requested_at, latency_ms, status, error_code, error_message,
			model, reasoning_effort, prompt_tokens, completion_tokens, total_tokens,
			codex_session_id, codex_conversation_id, fingerprint_hmac
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		_, err := stmt.ExecContext(ctx,
			l.RequestID, l.AccountID, l.RequestedAt.Unix(), l.LatencyMS, string(l.Status), l.ErrorCode, l.ErrorMessage,
			l.Model, l.ReasoningEffort, l.PromptTokens, l.CompletionTokens, l.TotalTokens,
			l.CodexSessionID, l.CodexConversationID, l.FingerprintHMAC,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRequestLogs returns the most recent request logs, newest first,
// bounded by limit, for dashboard/debug display.
func (s *Store) ListRequestLogs(ctx context.Context, limit int) ([]model.RequestLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, account_id, requested_at, latency_ms, status, error_code, error_message,
			model, reasoning_effort, prompt_tokens, completion_tokens, total_tokens,
			codex_session_id, codex_conversation_id, fingerprint_hmac
		FROM request_logs ORDER BY requested_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RequestLog
	for rows.Next() {
		var l model.RequestLog
		var requestedAt int64
		if err := rows.Scan(
			&l.RequestID, &l.AccountID, &requestedAt, &l.LatencyMS, &l.Status, &l.ErrorCode, &l.ErrorMessage,
			&l.Model, &l.ReasoningEffort, &l.PromptTokens, &l.CompletionTokens, &l.TotalTokens,
			&l.CodexSessionID, &l.CodexConversationID, &l.FingerprintHMAC,
		); err != nil {
			return nil, err
		}
		l.RequestedAt = time.Unix(requestedAt, 0).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// PruneRequestLogsBefore deletes request logs older than cutoff, per the
// dashboard-configurable retention window (model.DashboardSettings).
func (s *Store) PruneRequestLogsBefore(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM request_logs WHERE requested_at < ?", cutoff.Unix())
	return err
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

func capacityOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
