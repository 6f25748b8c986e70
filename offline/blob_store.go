package offline

import (
	"context"
	"time"
)

// AssetKind classifies downloadable assets.
type AssetKind string

const (
	AssetEbook AssetKind = "ebook"
	AssetImage AssetKind = "image"
	AssetPDF   AssetKind = "pdf"
)

// Valid reports whether the kind is a known asset kind.
func (k AssetKind) Valid() bool {
	switch k {
	case AssetEbook, AssetImage, AssetPDF:
		return true
	}
	return false
}

// AssetMeta carries the descriptive metadata persisted next to a blob.
type AssetMeta struct {
	Title    string `json:"title"`
	Class    string `json:"class"`
	Subject  string `json:"subject"`
	Language string `json:"language"`
}

// BlobAsset is one cached downloadable asset. Version increases strictly on
// every authoritative re-fetch; SizeBytes always equals len(Blob) and is
// recomputed on write, never trusted from the caller.
type BlobAsset struct {
	ID           string    `json:"id"`
	Kind         AssetKind `json:"kind"`
	Meta         AssetMeta `json:"meta"`
	Version      int64     `json:"version"`
	Blob         []byte    `json:"-"`
	SizeBytes    int64     `json:"size_bytes"`
	CachedAt     time.Time `json:"cached_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// BlobAssetInfo is asset metadata without the payload, for listings and
// eviction decisions.
type BlobAssetInfo struct {
	ID           string    `json:"id"`
	Kind         AssetKind `json:"kind"`
	Meta         AssetMeta `json:"meta"`
	Version      int64     `json:"version"`
	SizeBytes    int64     `json:"size_bytes"`
	CachedAt     time.Time `json:"cached_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// BlobStore is the persistence abstraction for cached assets.
//
// Implementations must make Put atomic per id (no torn asset on crash) and
// must report sizes from the stored payload, not from caller-supplied fields.
type BlobStore interface {
	// Get returns the full asset. Returns ErrAssetNotFound if absent.
	Get(ctx context.Context, id string) (*BlobAsset, error)

	// Stat returns asset info without loading the payload.
	// Returns ErrAssetNotFound if absent.
	Stat(ctx context.Context, id string) (*BlobAssetInfo, error)

	// Put stores the asset, replacing any previous copy for the same id.
	Put(ctx context.Context, asset *BlobAsset) error

	// Touch updates LastAccessed. Returns ErrAssetNotFound if absent.
	Touch(ctx context.Context, id string, at time.Time) error

	// Delete removes the asset. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns info for every stored asset, ordered by id.
	List(ctx context.Context) ([]BlobAssetInfo, error)
}
