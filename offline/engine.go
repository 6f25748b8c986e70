package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Engine owns the offline cache-and-sync subsystem: the small-record cache,
// the blob cache, the pending-write queue, the storage accountant, the
// connectivity monitor, and the download manager. UI layers go through the
// engine's API and never write to the caches directly, so there is exactly
// one writer per cache.
type Engine struct {
	records    *RecordCache
	blobs      *BlobCache
	queue      *Queue
	accountant *Accountant
	monitor    *Monitor
	downloads  *DownloadManager
	remote     Remote
	logger     *slog.Logger
	now        func() time.Time
}

type engineConfig struct {
	logger          *slog.Logger
	now             func() time.Time
	queueStore      QueueStore
	maxBlobBytes    int64
	retryCeiling    int
	debounce        time.Duration
	probe           ProbeFunc
	downloadTimeout time.Duration
	images          ImagePolicy
}

// EngineOption configures Engine construction.
type EngineOption func(*engineConfig)

// WithLogger sets the engine logger; defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source. Test seam.
func WithClock(now func() time.Time) EngineOption {
	return func(c *engineConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithQueueStore sets the pending-write queue backend; defaults to in-memory.
func WithQueueStore(store QueueStore) EngineOption {
	return func(c *engineConfig) {
		if store != nil {
			c.queueStore = store
		}
	}
}

// WithMaxBlobBytes sets the blob cache ceiling; <= 0 selects the default.
func WithMaxBlobBytes(maxBytes int64) EngineOption {
	return func(c *engineConfig) {
		c.maxBlobBytes = maxBytes
	}
}

// WithRetryCeiling sets how many flush failures a mutation survives before it
// is surfaced as permanently failed.
func WithRetryCeiling(ceiling int) EngineOption {
	return func(c *engineConfig) {
		c.retryCeiling = ceiling
	}
}

// WithDebounceWindow sets the connectivity flap-suppression window.
func WithDebounceWindow(window time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.debounce = window
	}
}

// WithProbe sets the reachability probe the monitor runs on demand.
func WithProbe(probe ProbeFunc) EngineOption {
	return func(c *engineConfig) {
		c.probe = probe
	}
}

// WithDownloadTimeout bounds a single asset fetch.
func WithDownloadTimeout(timeout time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.downloadTimeout = timeout
	}
}

// WithImagePolicy sets image recompression bounds.
func WithImagePolicy(policy ImagePolicy) EngineOption {
	return func(c *engineConfig) {
		c.images = policy
	}
}

// NewEngine wires the subsystem together over the given stores and remote.
func NewEngine(records RecordStore, blobs BlobStore, remote Remote, opts ...EngineOption) *Engine {
	cfg := engineConfig{
		logger:   slog.Default(),
		now:      time.Now,
		debounce: defaultDebounceWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.queueStore == nil {
		cfg.queueStore = NewMemoryQueueStore()
	}

	accountant := NewAccountant(blobs, records, cfg.queueStore, cfg.maxBlobBytes, cfg.logger, cfg.now)
	blobCache := NewBlobCache(blobs, accountant, cfg.logger, cfg.now)
	recordCache := NewRecordCache(records, cfg.logger, cfg.now)
	queue := NewQueue(cfg.queueStore, remote, cfg.logger, cfg.now, cfg.retryCeiling)
	monitor := NewMonitor(cfg.logger, cfg.debounce, cfg.probe)
	downloads := NewDownloadManager(blobCache, remote, cfg.logger, cfg.downloadTimeout, cfg.images)

	e := &Engine{
		records:    recordCache,
		blobs:      blobCache,
		queue:      queue,
		accountant: accountant,
		monitor:    monitor,
		downloads:  downloads,
		remote:     remote,
		logger:     cfg.logger,
		now:        cfg.now,
	}

	monitor.OnChange(func(online bool) {
		if online {
			go e.flushOnReconnect()
		}
	})

	return e
}

// Records returns the small-record cache.
func (e *Engine) Records() *RecordCache { return e.records }

// Blobs returns the blob cache.
func (e *Engine) Blobs() *BlobCache { return e.blobs }

// Queue returns the pending-write queue.
func (e *Engine) Queue() *Queue { return e.queue }

// Accountant returns the storage accountant.
func (e *Engine) Accountant() *Accountant { return e.accountant }

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Downloads returns the download manager.
func (e *Engine) Downloads() *DownloadManager { return e.downloads }

// CheckStale compares the cached copy of an asset against the server version.
func (e *Engine) CheckStale(ctx context.Context, id string) (StaleInfo, error) {
	return e.blobs.CheckStale(ctx, e.remote, id)
}

// Usage is a convenience passthrough to the accountant.
func (e *Engine) Usage(ctx context.Context) (StorageSnapshot, error) {
	return e.accountant.Usage(ctx)
}

// decodeRecords unmarshals a snapshot's payloads into typed values,
// skipping records that fail to decode (a corrupt record must not hide the
// rest of the collection).
func decodeRecords[T any](recs []Record) []T {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Payload, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Subjects returns the cached subject list.
func (e *Engine) Subjects(ctx context.Context) []Subject {
	return decodeRecords[Subject](e.records.GetAll(ctx, TagSubjects, nil))
}

// Quizzes returns cached quizzes, optionally narrowed to one subject.
func (e *Engine) Quizzes(ctx context.Context, subjectID string) []Quiz {
	quizzes := decodeRecords[Quiz](e.records.GetAll(ctx, TagQuizzes, nil))
	if subjectID == "" {
		return quizzes
	}
	out := make([]Quiz, 0, len(quizzes))
	for _, q := range quizzes {
		if q.SubjectID == subjectID {
			out = append(out, q)
		}
	}
	return out
}

// ContentMetas returns cached content metadata.
func (e *Engine) ContentMetas(ctx context.Context) []ContentMeta {
	return decodeRecords[ContentMeta](e.records.GetAll(ctx, TagContentMeta, nil))
}

// Summaries returns cached chatbot summaries for a subject; empty subjectID
// returns all of them.
func (e *Engine) Summaries(ctx context.Context, subjectID string) []ChatSummary {
	summaries := decodeRecords[ChatSummary](e.records.GetAll(ctx, TagSummaries, nil))
	if subjectID == "" {
		return summaries
	}
	out := make([]ChatSummary, 0, len(summaries))
	for _, s := range summaries {
		if s.SubjectID == subjectID {
			out = append(out, s)
		}
	}
	return out
}

// SubjectSelection returns the cached selection for a student, if any.
func (e *Engine) SubjectSelection(ctx context.Context, studentID string) (*SubjectSelection, error) {
	rec, err := e.records.Get(ctx, TagSubjectSelections, studentID)
	if err != nil {
		return nil, err
	}
	var sel SubjectSelection
	if err := json.Unmarshal(rec.Payload, &sel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailure, err)
	}
	return &sel, nil
}

// Streaks returns the cached streak entries for a student.
func (e *Engine) Streaks(ctx context.Context, studentID string) []StreakEntry {
	return decodeRecords[StreakEntry](e.records.GetAll(ctx, TagStreaks, func(r Record) bool {
		var entry StreakEntry
		if err := json.Unmarshal(r.Payload, &entry); err != nil {
			return false
		}
		return entry.StudentID == studentID
	}))
}

// AuthSnapshot returns the cached session identity, if any.
func (e *Engine) AuthSnapshot(ctx context.Context) (*AuthSnapshot, error) {
	recs := e.records.GetAll(ctx, TagAuthSnapshot, nil)
	if len(recs) == 0 {
		return nil, ErrRecordNotFound
	}
	var snap AuthSnapshot
	if err := json.Unmarshal(recs[0].Payload, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailure, err)
	}
	return &snap, nil
}

// SetAuthSnapshot caches the session identity for offline rendering.
func (e *Engine) SetAuthSnapshot(ctx context.Context, snap AuthSnapshot) error {
	rec, err := NewRecord(TagAuthSnapshot, snap.StudentID, snap, e.now())
	if err != nil {
		return err
	}
	// single-occupancy collection: the newest snapshot replaces any prior one
	return e.records.ReplaceCollection(ctx, TagAuthSnapshot, []Record{rec})
}
