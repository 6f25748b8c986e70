package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	localBlobExt = ".blob"
	localMetaExt = ".meta.json"
)

// LocalBlobStore implements BlobStore on the local filesystem. Each asset is
// a payload file plus a metadata sidecar; both are written to temp files and
// renamed into place so a crash never leaves a torn asset.
type LocalBlobStore struct {
	Root string
}

func (l *LocalBlobStore) blobPath(id string) string {
	return filepath.Join(l.Root, encodeAssetID(id)+localBlobExt)
}

func (l *LocalBlobStore) metaPath(id string) string {
	return filepath.Join(l.Root, encodeAssetID(id)+localMetaExt)
}

// encodeAssetID keeps ids filesystem-safe without losing uniqueness: unsafe
// bytes become _xx hex escapes, and _ escapes itself so distinct ids can
// never collide onto one name.
func encodeAssetID(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		switch c := id[i]; c {
		case '/', '\\', ':', '_':
			fmt.Fprintf(&b, "_%02x", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (l *LocalBlobStore) Get(ctx context.Context, id string) (*BlobAsset, error) {
	info, err := l.Stat(ctx, id)
	if err != nil {
		return nil, err
	}

	blob, err := os.ReadFile(l.blobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
		}
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}

	return &BlobAsset{
		ID:           info.ID,
		Kind:         info.Kind,
		Meta:         info.Meta,
		Version:      info.Version,
		Blob:         blob,
		SizeBytes:    int64(len(blob)),
		CachedAt:     info.CachedAt,
		LastAccessed: info.LastAccessed,
	}, nil
}

func (l *LocalBlobStore) Stat(ctx context.Context, id string) (*BlobAssetInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(l.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
		}
		return nil, fmt.Errorf("read asset meta %s: %w", id, err)
	}

	var info BlobAssetInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode asset meta %s: %w", id, err)
	}

	// size comes from the payload on disk, never from the sidecar
	st, err := os.Stat(l.blobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
		}
		return nil, fmt.Errorf("stat blob %s: %w", id, err)
	}
	info.SizeBytes = st.Size()
	return &info, nil
}

func (l *LocalBlobStore) Put(ctx context.Context, asset *BlobAsset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if asset == nil || asset.ID == "" {
		return fmt.Errorf("asset id is required")
	}
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return fmt.Errorf("create blob root: %w", err)
	}

	info := BlobAssetInfo{
		ID:           asset.ID,
		Kind:         asset.Kind,
		Meta:         asset.Meta,
		Version:      asset.Version,
		SizeBytes:    int64(len(asset.Blob)),
		CachedAt:     asset.CachedAt.UTC(),
		LastAccessed: asset.LastAccessed.UTC(),
	}
	metaRaw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode asset meta %s: %w", asset.ID, err)
	}

	if err := writeFileAtomic(l.blobPath(asset.ID), asset.Blob); err != nil {
		return fmt.Errorf("write blob %s: %w", asset.ID, err)
	}
	if err := writeFileAtomic(l.metaPath(asset.ID), metaRaw); err != nil {
		return fmt.Errorf("write asset meta %s: %w", asset.ID, err)
	}
	return nil
}

func (l *LocalBlobStore) Touch(ctx context.Context, id string, at time.Time) error {
	info, err := l.Stat(ctx, id)
	if err != nil {
		return err
	}
	info.LastAccessed = at.UTC()

	metaRaw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode asset meta %s: %w", id, err)
	}
	if err := writeFileAtomic(l.metaPath(id), metaRaw); err != nil {
		return fmt.Errorf("touch asset %s: %w", id, err)
	}
	return nil
}

func (l *LocalBlobStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return nil
	}

	for _, path := range []string{l.blobPath(id), l.metaPath(id)} {
		err := os.Remove(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete asset %s: %w", id, err)
		}
	}
	return nil
}

func (l *LocalBlobStore) List(ctx context.Context) ([]BlobAssetInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(l.Root)
	if errors.Is(err, os.ErrNotExist) {
		return []BlobAssetInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list blob root: %w", err)
	}

	items := make([]BlobAssetInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), localMetaExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := os.ReadFile(filepath.Join(l.Root, entry.Name()))
		if err != nil {
			continue // sidecar vanished mid-scan; skip
		}
		var info BlobAssetInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		st, err := os.Stat(l.blobPath(info.ID))
		if err != nil {
			continue // payload missing; treat as absent
		}
		info.SizeBytes = st.Size()
		items = append(items, info)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func writeFileAtomic(dest string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%d", dest, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	defer os.Remove(tmp)

	return os.Rename(tmp, dest)
}
