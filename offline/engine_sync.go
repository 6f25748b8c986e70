package offline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// flushOnReconnectTimeout bounds the background flush triggered by an
// offline-to-online transition.
const flushOnReconnectTimeout = 2 * time.Minute

// Refresh fetches the authoritative collection and atomically replaces the
// cached one. Offline (or on a network failure) the cached collection is left
// as is and the call reports ErrNetworkUnavailable; readers keep working from
// cache.
func (e *Engine) Refresh(ctx context.Context, tag CollectionTag, filters map[string]string) error {
	if !tag.Valid() {
		return fmt.Errorf("unknown collection tag %q", tag)
	}
	if !e.monitor.IsOnline() {
		return fmt.Errorf("%w: refresh %s skipped", ErrNetworkUnavailable, tag)
	}

	recs, err := e.remote.FetchCollection(ctx, tag, filters)
	if err != nil {
		if errors.Is(err, ErrNetworkUnavailable) {
			e.monitor.SetOnline(false)
		}
		return fmt.Errorf("refresh %s: %w", tag, err)
	}

	if err := e.records.ReplaceCollection(ctx, tag, recs); err != nil {
		return fmt.Errorf("refresh %s: %w", tag, err)
	}
	e.logger.InfoContext(ctx, "collection refreshed", "tag", string(tag), "records", len(recs))
	return nil
}

// SyncNow refreshes every known collection and then flushes the pending-write
// queue. Per-collection failures are collected, not fatal; the flush report
// is returned even when some refreshes failed.
func (e *Engine) SyncNow(ctx context.Context) (FlushReport, error) {
	var refreshErrs []error
	for _, tag := range AllCollectionTags {
		if err := e.Refresh(ctx, tag, nil); err != nil {
			refreshErrs = append(refreshErrs, err)
			if errors.Is(err, ErrNetworkUnavailable) {
				break // no point refreshing the rest offline
			}
		}
	}

	report, err := e.queue.Flush(ctx)
	if err != nil {
		return report, err
	}
	return report, errors.Join(refreshErrs...)
}

// Submit applies a mutation write-through when online and defers it to the
// queue when offline or when the remote is unreachable. The returned bool is
// true when the mutation was applied immediately.
func (e *Engine) Submit(ctx context.Context, m Mutation) (bool, error) {
	if !e.monitor.IsOnline() {
		_, err := e.queue.Enqueue(ctx, m)
		return false, err
	}

	queued, err := e.queue.Enqueue(ctx, m)
	if err != nil {
		return false, err
	}

	applyErr := e.remote.ApplyMutation(ctx, queued)
	switch {
	case applyErr == nil:
		if err := e.queue.store.Delete(ctx, queued.bucketKey(), queued.ID); err != nil {
			return true, fmt.Errorf("dequeue applied mutation %s: %w", queued.ID, err)
		}
		return true, nil
	case errors.Is(applyErr, ErrSyncRejected):
		if err := e.queue.store.Delete(ctx, queued.bucketKey(), queued.ID); err != nil {
			return false, fmt.Errorf("dequeue rejected mutation %s: %w", queued.ID, err)
		}
		return false, applyErr
	default:
		// network-level failure: the mutation stays queued for the next flush
		e.monitor.SetOnline(false)
		e.logger.WarnContext(ctx, "mutation deferred", "mutation_id", queued.ID, "kind", string(queued.Kind), "error", applyErr)
		return false, nil
	}
}

// flushOnReconnect runs the queue flush triggered by a connectivity
// transition to online.
func (e *Engine) flushOnReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), flushOnReconnectTimeout)
	defer cancel()

	report, err := e.queue.Flush(ctx)
	if err != nil {
		e.logger.Error("reconnect flush failed", "error", err)
		return
	}
	e.logger.Info("reconnect flush complete",
		"applied", report.Applied,
		"retained", report.Retained,
		"failed", len(report.Failed),
	)
}
