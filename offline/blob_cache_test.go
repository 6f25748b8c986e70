package offline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBlobCache(t *testing.T) {
	t.Run("put_get_touches_access", testBlobCacheAccess)
	t.Run("version_rules", testBlobCacheVersionRules)
	t.Run("quota_rejection_preserves_state", testBlobCacheQuota)
	t.Run("overwrite_charges_the_delta", testBlobCacheOverwriteDelta)
	t.Run("staleness", testBlobCacheStaleness)
}

// newTestBlobCache wires a local store, an accountant with the given quota,
// and a manual clock.
func newTestBlobCache(t *testing.T, quota int64) (*BlobCache, *Accountant, *TestClock) {
	t.Helper()
	clock := NewTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := &LocalBlobStore{Root: t.TempDir()}
	acct := NewAccountant(store, NewMemoryRecordStore(), NewMemoryQueueStore(), quota, nil, clock.Now)
	return NewBlobCache(store, acct, nil, clock.Now), acct, clock
}

func testBlobCacheAccess(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestBlobCache(t, 0)

	asset := &BlobAsset{ID: "book-1", Kind: AssetEbook, Version: 1, Blob: []byte("text")}
	require.NoError(t, cache.Put(ctx, asset))

	clock.Advance(3 * time.Hour)
	got, err := cache.Get(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, []byte("text"), got.Blob)
	require.True(t, got.LastAccessed.Equal(clock.Now().UTC()), "read refreshes last access")
	require.True(t, got.CachedAt.Before(got.LastAccessed))

	_, err = cache.Get(ctx, "absent")
	require.ErrorIs(t, err, ErrAssetNotFound)

	require.NoError(t, cache.Remove(ctx, "book-1"))
	require.NoError(t, cache.Remove(ctx, "book-1"), "remove is idempotent")
}

func testBlobCacheVersionRules(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestBlobCache(t, 0)

	require.Error(t, cache.Put(ctx, &BlobAsset{ID: "b", Kind: AssetEbook, Version: 0, Blob: []byte("x")}))
	require.Error(t, cache.Put(ctx, &BlobAsset{ID: "b", Kind: AssetKind("tape"), Version: 1, Blob: []byte("x")}))

	require.NoError(t, cache.Put(ctx, &BlobAsset{ID: "b", Kind: AssetEbook, Version: 3, Blob: []byte("v3")}))

	// regression is refused, the cached copy stays
	err := cache.Put(ctx, &BlobAsset{ID: "b", Kind: AssetEbook, Version: 2, Blob: []byte("v2")})
	require.ErrorIs(t, err, ErrVersionRegression)
	got, err := cache.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), got.Blob)

	// identical re-put is accepted without effect
	require.NoError(t, cache.Put(ctx, &BlobAsset{ID: "b", Kind: AssetEbook, Version: 3, Blob: []byte("v3")}))

	// newer versions replace
	require.NoError(t, cache.Put(ctx, &BlobAsset{ID: "b", Kind: AssetEbook, Version: 4, Blob: []byte("v4 longer")}))
	got, err = cache.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Version)
	require.Equal(t, []byte("v4 longer"), got.Blob)
}

// filling the cache to 495 of 500 bytes and then offering 10 more must fail
// and leave usage untouched.
func testBlobCacheQuota(t *testing.T) {
	ctx := context.Background()
	cache, acct, _ := newTestBlobCache(t, 500)

	require.NoError(t, cache.Put(ctx, &BlobAsset{
		ID: "existing", Kind: AssetPDF, Version: 1, Blob: bytes.Repeat([]byte("a"), 495),
	}))

	before, err := acct.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(495), before.TotalBlobBytes)

	err = cache.Put(ctx, &BlobAsset{
		ID: "incoming", Kind: AssetPDF, Version: 1, Blob: bytes.Repeat([]byte("b"), 10),
	})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	after, err := acct.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after, "a rejected put changes nothing")
	require.Equal(t, uint64(1), acct.MetricsSnapshot().QuotaRejectedTotal)

	// exactly filling the remaining 5 bytes is allowed
	require.NoError(t, cache.Put(ctx, &BlobAsset{
		ID: "small", Kind: AssetPDF, Version: 1, Blob: []byte("12345"),
	}))
	full, err := acct.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), full.TotalBlobBytes)
}

func testBlobCacheOverwriteDelta(t *testing.T) {
	ctx := context.Background()
	cache, acct, _ := newTestBlobCache(t, 100)

	require.NoError(t, cache.Put(ctx, &BlobAsset{
		ID: "b", Kind: AssetEbook, Version: 1, Blob: bytes.Repeat([]byte("a"), 90),
	}))

	// 90 -> 95 charges only the 5-byte delta, not the full size
	require.NoError(t, cache.Put(ctx, &BlobAsset{
		ID: "b", Kind: AssetEbook, Version: 2, Blob: bytes.Repeat([]byte("b"), 95),
	}))

	// 95 -> 120 would breach even as an overwrite
	err := cache.Put(ctx, &BlobAsset{
		ID: "b", Kind: AssetEbook, Version: 3, Blob: bytes.Repeat([]byte("c"), 120),
	})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// shrinking always fits
	require.NoError(t, cache.Put(ctx, &BlobAsset{
		ID: "b", Kind: AssetEbook, Version: 3, Blob: bytes.Repeat([]byte("d"), 10),
	}))
	snap, err := acct.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(10), snap.TotalBlobBytes)
}

func testBlobCacheStaleness(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestBlobCache(t, 0)
	remote := NewFakeRemote()

	require.NoError(t, cache.Put(ctx, &BlobAsset{ID: "b", Kind: AssetEbook, Version: 2, Blob: []byte("x")}))

	stale, err := cache.IsStale(ctx, "b", 3)
	require.NoError(t, err)
	require.True(t, stale)

	stale, err = cache.IsStale(ctx, "b", 2)
	require.NoError(t, err)
	require.False(t, stale)

	// an absent asset is never stale
	stale, err = cache.IsStale(ctx, "absent", 9)
	require.NoError(t, err)
	require.False(t, stale)

	remote.SetServerVersion("b", 5)
	info, err := cache.CheckStale(ctx, remote, "b")
	require.NoError(t, err)
	require.Equal(t, StaleInfo{ID: "b", CachedVersion: 2, ServerVersion: 5, Stale: true}, info)
}
