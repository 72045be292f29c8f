// Package sticky implements the Sticky Session Store (spec.md §4.D):
// pinning a client-supplied prompt cache key fingerprint to an account for
// a bounded TTL, so follow-up turns in the same conversation keep landing
// on the account holding the upstream prompt cache. Two interchangeable
// backends satisfy Store: an in-memory map for single-process deployments,
// and a redis-backed implementation for durability across restarts.
package sticky

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Store is the common sticky-session interface both backends satisfy.
type Store interface {
	Get(ctx context.Context, fingerprint string) (accountID string, ok bool, err error)
	Put(ctx context.Context, fingerprint, accountID string, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}

// Fingerprint derives a stable, non-reversible key from the client-supplied
// cache key material using HMAC-SHA-256, so raw prompt fragments are never
// held in the sticky index itself.
func Fingerprint(secret []byte, cacheKeyMaterial string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(cacheKeyMaterial))
	return hex.EncodeToString(mac.Sum(nil))
}
