package sticky

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fp1", "acc-1", time.Minute))
	got, ok, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "acc-1", got)
}

func TestMemoryStoreExpires(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fp1", "acc-1", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fp1", "acc-1", time.Minute))
	require.NoError(t, s.Delete(ctx, "fp1"))

	_, ok, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "fp1", "acc-1", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	s.sweep()

	s.mu.RLock()
	_, exists := s.items["fp1"]
	s.mu.RUnlock()
	require.False(t, exists)
}

func TestFingerprintStableAndDistinct(t *testing.T) {
	secret := []byte("test-secret")
	a := Fingerprint(secret, "cache-key-a")
	b := Fingerprint(secret, "cache-key-a")
	c := Fingerprint(secret, "cache-key-b")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64) // hex-encoded sha256
}
