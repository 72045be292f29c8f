package opstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codex-lb/codex-lb/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ops.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndLatestByAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.AppendUsageSample(ctx, model.UsageSample{
		AccountID: "acc-1", Window: model.WindowPrimary, RecordedAt: base.Add(-time.Hour),
		UsedPercent: 10, WindowMinutes: 300,
	}))
	require.NoError(t, s.AppendUsageSample(ctx, model.UsageSample{
		AccountID: "acc-1", Window: model.WindowPrimary, RecordedAt: base,
		UsedPercent: 42, WindowMinutes: 300,
	}))

	got, err := s.LatestByAccount(ctx, "acc-1", model.WindowPrimary)
	require.NoError(t, err)
	require.Equal(t, 42.0, got.UsedPercent)
}

func TestLatestByAccountNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LatestByAccount(context.Background(), "nope", model.WindowPrimary)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLatestPrimarySecondaryByAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.AppendUsageSample(ctx, model.UsageSample{
		AccountID: "acc-1", Window: model.WindowPrimary, RecordedAt: now.Add(-time.Minute),
		UsedPercent: 5, WindowMinutes: 300,
	}))
	require.NoError(t, s.AppendUsageSample(ctx, model.UsageSample{
		AccountID: "acc-1", Window: model.WindowPrimary, RecordedAt: now,
		UsedPercent: 55, WindowMinutes: 300,
	}))
	require.NoError(t, s.AppendUsageSample(ctx, model.UsageSample{
		AccountID: "acc-1", Window: model.WindowSecondary, RecordedAt: now,
		UsedPercent: 80, WindowMinutes: 10080,
	}))
	require.NoError(t, s.AppendUsageSample(ctx, model.UsageSample{
		AccountID: "acc-2", Window: model.WindowPrimary, RecordedAt: now,
		UsedPercent: 15, WindowMinutes: 300,
	}))

	views, err := s.LatestPrimarySecondaryByAccount(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	acc1 := views["acc-1"]
	require.NotNil(t, acc1.Primary)
	require.Equal(t, 55.0, acc1.Primary.UsedPercent)
	require.NotNil(t, acc1.Secondary)
	require.Equal(t, 80.0, acc1.Secondary.UsedPercent)

	acc2 := views["acc-2"]
	require.NotNil(t, acc2.Primary)
	require.Nil(t, acc2.Secondary)
}

func TestRequestLogBatchAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	logs := []model.RequestLog{
		{RequestID: "r1", AccountID: "acc-1", RequestedAt: now.Add(-time.Minute), Status: model.RequestOK},
		{RequestID: "r2", AccountID: "acc-1", RequestedAt: now, Status: model.RequestError, ErrorCode: "upstream_5xx"},
	}
	require.NoError(t, s.AppendRequestLogs(ctx, logs))

	got, err := s.ListRequestLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "r2", got[0].RequestID) // newest first
}

func TestPruneRequestLogsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.AppendRequestLog(ctx, model.RequestLog{RequestID: "old", AccountID: "a", RequestedAt: now.Add(-48 * time.Hour), Status: model.RequestOK}))
	require.NoError(t, s.AppendRequestLog(ctx, model.RequestLog{RequestID: "new", AccountID: "a", RequestedAt: now, Status: model.RequestOK}))

	require.NoError(t, s.PruneRequestLogsBefore(ctx, now.Add(-time.Hour)))

	got, err := s.ListRequestLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "new", got[0].RequestID)
}
