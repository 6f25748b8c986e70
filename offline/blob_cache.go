package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BlobCache is the versioned store for downloadable assets. It owns the
// quota discipline: every write consults the storage accountant before
// committing, and a rejected write leaves prior state untouched. Eviction is
// never triggered from the write path; storage pressure surfaces as
// ErrQuotaExceeded for the caller to act on.
type BlobCache struct {
	store      BlobStore
	accountant *Accountant
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBlobCache wires a blob store to the accountant's quota checks.
func NewBlobCache(store BlobStore, accountant *Accountant, logger *slog.Logger, now func() time.Time) *BlobCache {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &BlobCache{
		store:      store,
		accountant: accountant,
		logger:     logger,
		now:        now,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (c *BlobCache) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.locks[id]; !ok {
		c.locks[id] = &sync.Mutex{}
	}
	return c.locks[id]
}

// Get returns the cached asset and updates its LastAccessed timestamp.
// A failed touch is logged but does not fail the read.
func (c *BlobCache) Get(ctx context.Context, id string) (*BlobAsset, error) {
	asset, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	at := c.now().UTC()
	if err := c.store.Touch(ctx, id, at); err != nil {
		c.logger.WarnContext(ctx, "asset access touch failed", "asset_id", id, "error", err)
	} else {
		asset.LastAccessed = at
	}
	return asset, nil
}

// Put validates and persists an asset.
//
// SizeBytes is recomputed from the payload. Version must be >= 1 and must not
// regress below the cached version; a re-put of the identical version and
// payload length is the idempotent case and is accepted without change.
// The accountant is consulted with the byte delta against any existing copy;
// ErrQuotaExceeded leaves the prior asset intact.
func (c *BlobCache) Put(ctx context.Context, asset *BlobAsset) error {
	if asset == nil || asset.ID == "" {
		return fmt.Errorf("asset id is required")
	}
	if !asset.Kind.Valid() {
		return fmt.Errorf("unknown asset kind %q", asset.Kind)
	}
	if asset.Version < 1 {
		return fmt.Errorf("asset %s: version must be >= 1, got %d", asset.ID, asset.Version)
	}

	lock := c.lockFor(asset.ID)
	lock.Lock()
	defer lock.Unlock()

	newSize := int64(len(asset.Blob))

	var priorSize int64
	prior, err := c.store.Stat(ctx, asset.ID)
	switch {
	case err == nil:
		if asset.Version < prior.Version {
			return fmt.Errorf("%w: asset %s cached=%d put=%d", ErrVersionRegression, asset.ID, prior.Version, asset.Version)
		}
		if asset.Version == prior.Version && newSize == prior.SizeBytes {
			return nil // identical re-put
		}
		priorSize = prior.SizeBytes
	case errors.Is(err, ErrAssetNotFound):
		// first copy
	default:
		return fmt.Errorf("check prior asset %s: %w", asset.ID, err)
	}

	delta := newSize - priorSize
	exceeded, err := c.accountant.WouldExceed(ctx, delta)
	if err != nil {
		return fmt.Errorf("quota check for %s: %w", asset.ID, err)
	}
	if exceeded {
		c.accountant.recordQuotaRejection()
		return fmt.Errorf("%w: asset %s needs %d bytes", ErrQuotaExceeded, asset.ID, newSize)
	}

	now := c.now().UTC()
	stored := *asset
	stored.SizeBytes = newSize
	stored.CachedAt = now
	stored.LastAccessed = now
	if err := c.store.Put(ctx, &stored); err != nil {
		return fmt.Errorf("persist asset %s: %w", asset.ID, err)
	}
	return nil
}

// Remove deletes an asset. Removing an absent id is not an error.
func (c *BlobCache) Remove(ctx context.Context, id string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return c.store.Delete(ctx, id)
}

// IsStale reports whether the cached copy of id is older than serverVersion.
// An absent asset is not stale; there is nothing cached to be out of date.
func (c *BlobCache) IsStale(ctx context.Context, id string, serverVersion int64) (bool, error) {
	info, err := c.store.Stat(ctx, id)
	if errors.Is(err, ErrAssetNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return serverVersion > info.Version, nil
}

// StaleInfo is the "update available" signal for one asset. It is not an
// error condition.
type StaleInfo struct {
	ID            string `json:"id"`
	CachedVersion int64  `json:"cached_version"`
	ServerVersion int64  `json:"server_version"`
	Stale         bool   `json:"stale"`
}

// CheckStale asks the remote for the authoritative version and compares it to
// the cached copy. Absent assets report Stale=false with CachedVersion 0.
func (c *BlobCache) CheckStale(ctx context.Context, remote Remote, id string) (StaleInfo, error) {
	serverVersion, err := remote.GetServerVersion(ctx, id)
	if err != nil {
		return StaleInfo{}, fmt.Errorf("server version for %s: %w", id, err)
	}

	out := StaleInfo{ID: id, ServerVersion: serverVersion}
	info, err := c.store.Stat(ctx, id)
	if errors.Is(err, ErrAssetNotFound) {
		return out, nil
	}
	if err != nil {
		return StaleInfo{}, err
	}
	out.CachedVersion = info.Version
	out.Stale = serverVersion > info.Version
	return out, nil
}
