// The storage accountant computes aggregate usage across both caches and
// enforces the configured byte ceiling on blob writes.
//
// Usage is always recomputed from live store contents, never cached, so the
// accountant cannot drift from the ledger it accounts for. Eviction is only
// ever explicit: age-based (EvictOlderThan) or full-clear (EvictAll), both
// triggered by the user or a policy loop, never by a failing write.

package offline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBlobBytes is the blob-cache ceiling when none is configured.
const DefaultMaxBlobBytes = 500 * 1024 * 1024

// StorageSnapshot is the derived usage view. It is recomputed on demand and
// never persisted.
type StorageSnapshot struct {
	TotalBlobBytes      int64                 `json:"total_blob_bytes"`
	MaxBlobBytes        int64                 `json:"max_blob_bytes"`
	AssetCount          int                   `json:"asset_count"`
	PerCollectionCounts map[CollectionTag]int `json:"per_collection_counts"`
	PendingMutations    int                   `json:"pending_mutations"`
}

// Accountant enforces the storage budget and owns eviction.
type Accountant struct {
	blobs    BlobStore
	records  RecordStore
	queue    QueueStore
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time

	mu                  sync.Mutex
	evictionsAgeTotal   uint64
	evictionsFullTotal  uint64
	evictionErrorsTotal uint64
	quotaRejectedTotal  uint64
}

// NewAccountant creates an accountant over the two caches and the queue.
// maxBytes <= 0 selects DefaultMaxBlobBytes. The queue store may be nil; the
// pending count then reads as zero.
func NewAccountant(blobs BlobStore, records RecordStore, queue QueueStore, maxBytes int64, logger *slog.Logger, now func() time.Time) *Accountant {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBlobBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Accountant{
		blobs:    blobs,
		records:  records,
		queue:    queue,
		maxBytes: maxBytes,
		logger:   logger,
		now:      now,
	}
}

// MaxBlobBytes returns the configured ceiling.
func (a *Accountant) MaxBlobBytes() int64 {
	return a.maxBytes
}

// Usage recomputes the storage snapshot from live cache contents.
func (a *Accountant) Usage(ctx context.Context) (StorageSnapshot, error) {
	snap := StorageSnapshot{
		MaxBlobBytes:        a.maxBytes,
		PerCollectionCounts: map[CollectionTag]int{},
	}

	assets, err := a.blobs.List(ctx)
	if err != nil {
		return StorageSnapshot{}, fmt.Errorf("scan blob cache: %w", err)
	}
	for _, info := range assets {
		snap.TotalBlobBytes += info.SizeBytes
	}
	snap.AssetCount = len(assets)

	counts, err := a.records.Counts(ctx)
	if err != nil {
		return StorageSnapshot{}, fmt.Errorf("count records: %w", err)
	}
	snap.PerCollectionCounts = counts

	if a.queue != nil {
		n, err := a.queue.Len(ctx)
		if err != nil {
			return StorageSnapshot{}, fmt.Errorf("count pending mutations: %w", err)
		}
		snap.PendingMutations = n
	}
	return snap, nil
}

// WouldExceed reports whether adding deltaBytes to the blob cache would
// breach the ceiling. Negative deltas (shrinking overwrites) never exceed.
func (a *Accountant) WouldExceed(ctx context.Context, deltaBytes int64) (bool, error) {
	if deltaBytes <= 0 {
		return false, nil
	}

	assets, err := a.blobs.List(ctx)
	if err != nil {
		return false, fmt.Errorf("scan blob cache: %w", err)
	}
	var total int64
	for _, info := range assets {
		total += info.SizeBytes
	}
	return total+deltaBytes > a.maxBytes, nil
}

// EvictOlderThan removes blob assets whose LastAccessed predates now-days.
// Small records are exempt; they are cheap to re-fetch and repopulate on the
// next online sync. Returns the ids removed.
func (a *Accountant) EvictOlderThan(ctx context.Context, days int) ([]string, error) {
	if days < 0 {
		return nil, fmt.Errorf("days must be >= 0, got %d", days)
	}

	cutoff := a.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	assets, err := a.blobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan blob cache: %w", err)
	}

	removed := make([]string, 0)
	for _, info := range assets {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !info.LastAccessed.Before(cutoff) {
			continue
		}
		if err := a.blobs.Delete(ctx, info.ID); err != nil {
			a.recordEvictionError()
			a.logger.WarnContext(ctx, "age eviction failed", "asset_id", info.ID, "error", err)
			continue
		}
		a.recordEvictionAge()
		removed = append(removed, info.ID)
	}

	a.logger.InfoContext(ctx, "age eviction complete", "days", days, "removed", len(removed))
	return removed, nil
}

// EvictAll clears both caches unconditionally. Pending mutations are kept;
// they are user data the remote has not seen yet. Destructive and meant for
// explicit user confirmation only; the remote stays authoritative.
func (a *Accountant) EvictAll(ctx context.Context) error {
	assets, err := a.blobs.List(ctx)
	if err != nil {
		return fmt.Errorf("scan blob cache: %w", err)
	}
	for _, info := range assets {
		if err := a.blobs.Delete(ctx, info.ID); err != nil {
			a.recordEvictionError()
			return fmt.Errorf("evict asset %s: %w", info.ID, err)
		}
	}

	if err := a.records.Clear(ctx); err != nil {
		return fmt.Errorf("clear record cache: %w", err)
	}

	a.recordEvictionFull()
	a.logger.InfoContext(ctx, "full eviction complete", "assets_removed", len(assets))
	return nil
}

func (a *Accountant) recordEvictionAge() {
	a.mu.Lock()
	a.evictionsAgeTotal++
	a.mu.Unlock()
}

func (a *Accountant) recordEvictionFull() {
	a.mu.Lock()
	a.evictionsFullTotal++
	a.mu.Unlock()
}

func (a *Accountant) recordEvictionError() {
	a.mu.Lock()
	a.evictionErrorsTotal++
	a.mu.Unlock()
}

func (a *Accountant) recordQuotaRejection() {
	a.mu.Lock()
	a.quotaRejectedTotal++
	a.mu.Unlock()
}

// StorageMetricsSnapshot holds the accountant's counters.
type StorageMetricsSnapshot struct {
	EvictionsAgeTotal   uint64
	EvictionsFullTotal  uint64
	EvictionErrorsTotal uint64
	QuotaRejectedTotal  uint64
}

// MetricsSnapshot returns a copy of the counters.
func (a *Accountant) MetricsSnapshot() StorageMetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return StorageMetricsSnapshot{
		EvictionsAgeTotal:   a.evictionsAgeTotal,
		EvictionsFullTotal:  a.evictionsFullTotal,
		EvictionErrorsTotal: a.evictionErrorsTotal,
		QuotaRejectedTotal:  a.quotaRejectedTotal,
	}
}

// OpenMetricsText renders the counters plus a point-in-time usage gauge.
func (a *Accountant) OpenMetricsText(ctx context.Context) string {
	m := a.MetricsSnapshot()
	lines := []string{
		"# TYPE offsync_evictions_total counter",
		fmt.Sprintf("offsync_evictions_total{reason=\"age\"} %d", m.EvictionsAgeTotal),
		fmt.Sprintf("offsync_evictions_total{reason=\"full\"} %d", m.EvictionsFullTotal),
		"# TYPE offsync_eviction_errors_total counter",
		fmt.Sprintf("offsync_eviction_errors_total %d", m.EvictionErrorsTotal),
		"# TYPE offsync_quota_rejected_total counter",
		fmt.Sprintf("offsync_quota_rejected_total %d", m.QuotaRejectedTotal),
	}
	if snap, err := a.Usage(ctx); err == nil {
		lines = append(lines,
			"# TYPE offsync_blob_bytes_current gauge",
			fmt.Sprintf("offsync_blob_bytes_current %d", snap.TotalBlobBytes),
			"# TYPE offsync_pending_mutations gauge",
			fmt.Sprintf("offsync_pending_mutations %d", snap.PendingMutations),
		)
	}
	return strings.Join(lines, "\n") + "\n"
}

// NewStorageMetricsHandler exports the accountant's metrics over HTTP.
func NewStorageMetricsHandler(a *Accountant) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "accountant is nil", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/openmetrics-text; version=1.0.0; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(a.OpenMetricsText(r.Context())))
	})
}
