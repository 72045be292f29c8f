package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codex-lb/codex-lb/internal/model"
)

type fakeAccounts struct {
	calls int32
	list  []model.Account
}

func (f *fakeAccounts) List(_ context.Context) ([]model.Account, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.list, nil
}

type fakeUsage struct {
	views map[string]model.AccountView
}

func (f *fakeUsage) LatestPrimarySecondaryByAccount(_ context.Context) (map[string]model.AccountView, error) {
	return f.views, nil
}

type fakeRuntime struct {
	states map[string]model.RuntimeAccountState
}

func (f *fakeRuntime) Snapshot() map[string]model.RuntimeAccountState { return f.states }

func TestGetBuildsAndCaches(t *testing.T) {
	accounts := &fakeAccounts{list: []model.Account{{ID: "acc-1"}}}
	usage := &fakeUsage{views: map[string]model.AccountView{}}
	runtime := &fakeRuntime{states: map[string]model.RuntimeAccountState{}}

	b := New(accounts, usage, runtime, time.Hour)

	snap1, err := b.Get(context.Background())
	require.NoError(t, err)
	snap2, err := b.Get(context.Background())
	require.NoError(t, err)

	require.Same(t, snap1, snap2)
	require.Equal(t, int32(1), accounts.calls)
}

func TestInvalidateForcesRebuild(t *testing.T) {
	accounts := &fakeAccounts{list: []model.Account{{ID: "acc-1"}}}
	usage := &fakeUsage{views: map[string]model.AccountView{}}
	runtime := &fakeRuntime{states: map[string]model.RuntimeAccountState{}}

	b := New(accounts, usage, runtime, time.Hour)
	_, err := b.Get(context.Background())
	require.NoError(t, err)

	b.Invalidate()
	_, err = b.Get(context.Background())
	require.NoError(t, err)

	require.Equal(t, int32(2), accounts.calls)
}

func TestGetExpiresAfterTTL(t *testing.T) {
	accounts := &fakeAccounts{list: []model.Account{{ID: "acc-1"}}}
	usage := &fakeUsage{views: map[string]model.AccountView{}}
	runtime := &fakeRuntime{states: map[string]model.RuntimeAccountState{}}

	b := New(accounts, usage, runtime, 5*time.Millisecond)
	_, err := b.Get(context.Background())
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = b.Get(context.Background())
	require.NoError(t, err)

	require.Equal(t, int32(2), accounts.calls)
}

func TestConcurrentGetCoalescesRebuild(t *testing.T) {
	accounts := &fakeAccounts{list: []model.Account{{ID: "acc-1"}}}
	usage := &fakeUsage{views: map[string]model.AccountView{}}
	runtime := &fakeRuntime{states: map[string]model.RuntimeAccountState{}}

	b := New(accounts, usage, runtime, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Get(context.Background())
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), accounts.calls)
}

func TestBuildMergesUsageAndRuntime(t *testing.T) {
	primary := &model.UsageSample{UsedPercent: 50}
	accounts := &fakeAccounts{list: []model.Account{{ID: "acc-1"}}}
	usage := &fakeUsage{views: map[string]model.AccountView{"acc-1": {Primary: primary}}}
	runtimeState := model.RuntimeAccountState{AccountID: "acc-1", ErrorCount: 3}
	runtime := &fakeRuntime{states: map[string]model.RuntimeAccountState{"acc-1": runtimeState}}

	b := New(accounts, usage, runtime, time.Hour)
	snap, err := b.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)
	require.Same(t, primary, snap.Accounts[0].Primary)
	require.Equal(t, 3, snap.Accounts[0].Runtime.ErrorCount)
}
