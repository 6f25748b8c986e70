package offline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// DownloadState is one step of the per-asset download state machine.
type DownloadState string

const (
	DownloadPending     DownloadState = "pending"
	DownloadDownloading DownloadState = "downloading"
	DownloadComplete    DownloadState = "complete"
	DownloadError       DownloadState = "error"
)

// DownloadProgress is one discrete progress report. Percent is monotonically
// non-decreasing within a single download; Err is set only in the error state.
type DownloadProgress struct {
	ID      string        `json:"id"`
	State   DownloadState `json:"state"`
	Percent int           `json:"percent"`
	Err     error         `json:"-"`
}

// ProgressObserver receives download progress reports.
type ProgressObserver interface {
	ObserveDownload(p DownloadProgress)
}

// ProgressObserverFunc adapts a function to ProgressObserver.
type ProgressObserverFunc func(p DownloadProgress)

// ObserveDownload calls f(p).
func (f ProgressObserverFunc) ObserveDownload(p DownloadProgress) {
	if f != nil {
		f(p)
	}
}

// ImagePolicy bounds recompression of image assets before caching.
type ImagePolicy struct {
	MaxDimension int // longest edge in pixels
	JPEGQuality  int // 1-100
}

// DefaultImagePolicy trades fidelity for storage budget on low-end devices.
func DefaultImagePolicy() ImagePolicy {
	return ImagePolicy{MaxDimension: 1600, JPEGQuality: 80}
}

// DownloadRequest names one asset to fetch and persist.
type DownloadRequest struct {
	ID      string    `json:"id"`
	Kind    AssetKind `json:"kind"`
	URL     string    `json:"url"`
	Meta    AssetMeta `json:"meta"`
	Version int64     `json:"version"`
}

// DownloadManager orchestrates fetch, optional recompress, and persist for a
// single asset: pending → downloading(0-100) → complete | error.
//
// Errors are terminal for the invocation; a fresh Download call for the same
// id restarts from pending. There is no resume and no mid-flight cancel
// beyond the context; callers are responsible for not starting a second
// concurrent fetch of the same id.
type DownloadManager struct {
	cache    *BlobCache
	remote   Remote
	logger   *slog.Logger
	timeout  time.Duration
	images   ImagePolicy
	observer ProgressObserver
}

// NewDownloadManager creates a download manager. timeout <= 0 selects the
// default 30s; a zero ImagePolicy selects the default policy.
func NewDownloadManager(cache *BlobCache, remote Remote, logger *slog.Logger, timeout time.Duration, images ImagePolicy) *DownloadManager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	if images.MaxDimension <= 0 || images.JPEGQuality <= 0 {
		images = DefaultImagePolicy()
	}
	return &DownloadManager{
		cache:   cache,
		remote:  remote,
		logger:  logger,
		timeout: timeout,
		images:  images,
	}
}

// SetProgressObserver registers the observer for progress reports.
func (d *DownloadManager) SetProgressObserver(observer ProgressObserver) {
	d.observer = observer
}

func (d *DownloadManager) notify(p DownloadProgress) {
	if d.observer != nil {
		d.observer.ObserveDownload(p)
	}
}

// Download runs the full state machine for one asset and returns the asset
// as persisted (post-recompression for images).
func (d *DownloadManager) Download(ctx context.Context, req DownloadRequest) (*BlobAsset, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("download: asset id is required")
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("download %s: unknown asset kind %q", req.ID, req.Kind)
	}
	if req.Version < 1 {
		req.Version = 1
	}

	d.notify(DownloadProgress{ID: req.ID, State: DownloadPending})

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	blob, err := d.fetch(ctx, req)
	if err != nil {
		d.notify(DownloadProgress{ID: req.ID, State: DownloadError, Err: err})
		return nil, err
	}

	if req.Kind == AssetImage {
		recompressed, err := recompressImage(blob, d.images)
		if err != nil {
			err = fmt.Errorf("download %s: recompress: %w", req.ID, err)
			d.notify(DownloadProgress{ID: req.ID, State: DownloadError, Err: err})
			return nil, err
		}
		d.logger.InfoContext(ctx, "image recompressed",
			"asset_id", req.ID,
			"original_bytes", len(blob),
			"stored_bytes", len(recompressed),
		)
		blob = recompressed
	}

	asset := &BlobAsset{
		ID:      req.ID,
		Kind:    req.Kind,
		Meta:    req.Meta,
		Version: req.Version,
		Blob:    blob,
	}
	if err := d.cache.Put(ctx, asset); err != nil {
		d.notify(DownloadProgress{ID: req.ID, State: DownloadError, Err: err})
		return nil, err
	}

	d.notify(DownloadProgress{ID: req.ID, State: DownloadComplete, Percent: 100})
	d.logger.InfoContext(ctx, "asset downloaded", "asset_id", req.ID, "kind", string(req.Kind), "bytes", len(blob))
	return asset, nil
}

// fetch streams the payload, reporting monotonic percent progress when the
// remote exposes a content length, else a single 0→100 jump.
func (d *DownloadManager) fetch(ctx context.Context, req DownloadRequest) ([]byte, error) {
	body, size, err := d.remote.FetchAssetBlob(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", req.ID, err)
	}
	defer body.Close()

	d.notify(DownloadProgress{ID: req.ID, State: DownloadDownloading, Percent: 0})

	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}

	lastPercent := 0
	chunk := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if size > 0 {
				percent := int(int64(buf.Len()) * 100 / size)
				if percent > 100 {
					percent = 100
				}
				if percent > lastPercent {
					lastPercent = percent
					d.notify(DownloadProgress{ID: req.ID, State: DownloadDownloading, Percent: percent})
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("download %s: read: %w", req.ID, readErr)
		}
	}

	if lastPercent < 100 {
		d.notify(DownloadProgress{ID: req.ID, State: DownloadDownloading, Percent: 100})
	}
	return buf.Bytes(), nil
}

// recompressImage decodes, downscales to the policy's max dimension, and
// re-encodes as JPEG. Non-image payloads fail decoding and surface as
// download errors.
func recompressImage(blob []byte, policy ImagePolicy) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if longest := max(w, h); longest > policy.MaxDimension {
		scale := float64(policy.MaxDimension) / float64(longest)
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, src, &jpeg.Options{Quality: policy.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return out.Bytes(), nil
}
