package offline

import (
	"context"
	"io"
)

// Remote is the engine's only external boundary: the authoritative data
// service. Implementations must normalize transport-level failures to
// ErrNetworkUnavailable (the caller falls back to cache) and permanent
// refusals of a mutation to ErrSyncRejected.
type Remote interface {
	// FetchCollection returns the authoritative records for a collection.
	FetchCollection(ctx context.Context, tag CollectionTag, filters map[string]string) ([]Record, error)

	// FetchAssetBlob opens the asset payload at url. The returned size is the
	// content length, or -1 if unknown. The caller closes the reader.
	FetchAssetBlob(ctx context.Context, url string) (io.ReadCloser, int64, error)

	// ApplyMutation replays one deferred mutation.
	ApplyMutation(ctx context.Context, m Mutation) error

	// GetServerVersion returns the current authoritative version for an asset.
	GetServerVersion(ctx context.Context, assetID string) (int64, error)
}
