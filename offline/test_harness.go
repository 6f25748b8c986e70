package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// TestHarness provides a fluent API for setting up engine test environments.
// Use this in tests to reduce boilerplate setup code.
//
// Example:
//
//	harness := NewTestHarness(t).
//	    WithQuota(10 * 1024 * 1024).
//	    Setup()
//	defer harness.Cleanup()
//
//	subjects := harness.Engine().Subjects(ctx)
type TestHarness struct {
	t *testing.T

	// Configuration options
	blobRoot     string
	sqlitePath   string
	quotaBytes   int64
	remote       Remote
	extraOptions []EngineOption

	// Internal state
	engine      *Engine
	fakeRemote  *FakeRemote
	clock       *TestClock
	records     RecordStore
	sqliteStore *SQLiteRecordStore
	initialized bool
	cleanedUp   bool
}

// NewTestHarness creates a new harness. By default it uses an in-memory
// record store, a temp-dir blob store, a FakeRemote, and a fixed TestClock.
func NewTestHarness(t *testing.T) *TestHarness {
	return &TestHarness{t: t}
}

// WithBlobRoot sets a specific blob storage root instead of a fresh temp dir.
// Use this when two harnesses must share blob storage.
func (h *TestHarness) WithBlobRoot(dir string) *TestHarness {
	h.blobRoot = dir
	return h
}

// WithSQLiteRecords stores small records in a sqlite file under the harness
// temp dir instead of in memory.
func (h *TestHarness) WithSQLiteRecords() *TestHarness {
	h.sqlitePath = "records.db"
	return h
}

// WithQuota sets the blob storage ceiling in bytes.
func (h *TestHarness) WithQuota(maxBytes int64) *TestHarness {
	h.quotaBytes = maxBytes
	return h
}

// WithRemote replaces the default FakeRemote. Remote() then returns nil.
func (h *TestHarness) WithRemote(r Remote) *TestHarness {
	h.remote = r
	return h
}

// WithOptions adds engine options applied when constructing the engine.
func (h *TestHarness) WithOptions(opts ...EngineOption) *TestHarness {
	h.extraOptions = append(h.extraOptions, opts...)
	return h
}

// Setup initializes the test environment and constructs the engine.
func (h *TestHarness) Setup() *TestHarness {
	if h.initialized {
		h.t.Fatal("Harness already initialized")
	}

	if h.blobRoot == "" {
		h.blobRoot = h.t.TempDir()
	}
	h.clock = NewTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	if h.sqlitePath != "" {
		store, err := OpenSQLiteRecordStore(h.t.TempDir() + "/" + h.sqlitePath)
		if err != nil {
			h.t.Fatalf("Failed to open sqlite record store: %v", err)
		}
		h.sqliteStore = store
		h.records = store
	} else {
		h.records = NewMemoryRecordStore()
	}

	remote := h.remote
	if remote == nil {
		h.fakeRemote = NewFakeRemote()
		remote = h.fakeRemote
	}

	opts := []EngineOption{
		WithClock(h.clock.Now),
		// immediate transitions keep tests deterministic
		WithDebounceWindow(time.Nanosecond),
	}
	if h.quotaBytes > 0 {
		opts = append(opts, WithMaxBlobBytes(h.quotaBytes))
	}
	opts = append(opts, h.extraOptions...)

	h.engine = NewEngine(h.records, &LocalBlobStore{Root: h.blobRoot}, remote, opts...)

	h.initialized = true
	return h
}

// Cleanup releases resources. Call this with defer immediately after Setup().
func (h *TestHarness) Cleanup() {
	if h.cleanedUp {
		return
	}
	if h.sqliteStore != nil {
		h.sqliteStore.Close()
		h.sqliteStore = nil
	}
	h.cleanedUp = true
}

// Engine returns the engine instance.
func (h *TestHarness) Engine() *Engine {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
	return h.engine
}

// Remote returns the default FakeRemote, or nil when WithRemote was used.
func (h *TestHarness) Remote() *FakeRemote {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
	return h.fakeRemote
}

// Clock returns the harness clock.
func (h *TestHarness) Clock() *TestClock {
	return h.clock
}

// BlobRoot returns the blob storage root directory.
func (h *TestHarness) BlobRoot() string {
	return h.blobRoot
}

// SharedBlobRoot creates a temporary shared blob storage directory for tests
// that run two engines over the same local store.
func SharedBlobRoot(t *testing.T) string {
	t.Helper()
	return t.TempDir() + "/shared-blobs"
}

// TestClock is a manually advanced clock for deterministic timestamps.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *TestClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// FakeRemote is an in-memory Remote with scriptable failures.
type FakeRemote struct {
	mu sync.Mutex

	collections map[CollectionTag][]Record
	blobs       map[string][]byte
	versions    map[string]int64
	applied     []Mutation

	networkDown bool
	rejectKinds map[MutationKind]bool
	applyErr    error
}

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		collections: make(map[CollectionTag][]Record),
		blobs:       make(map[string][]byte),
		versions:    make(map[string]int64),
		rejectKinds: make(map[MutationKind]bool),
	}
}

// SetCollection replaces the authoritative record set for a tag.
func (r *FakeRemote) SetCollection(tag CollectionTag, recs []Record) {
	r.mu.Lock()
	r.collections[tag] = append([]Record(nil), recs...)
	r.mu.Unlock()
}

// SetBlob registers a payload served at url.
func (r *FakeRemote) SetBlob(url string, blob []byte) {
	r.mu.Lock()
	r.blobs[url] = append([]byte(nil), blob...)
	r.mu.Unlock()
}

// SetServerVersion sets the authoritative version for an asset.
func (r *FakeRemote) SetServerVersion(assetID string, version int64) {
	r.mu.Lock()
	r.versions[assetID] = version
	r.mu.Unlock()
}

// SetNetworkDown makes every call fail with ErrNetworkUnavailable.
func (r *FakeRemote) SetNetworkDown(down bool) {
	r.mu.Lock()
	r.networkDown = down
	r.mu.Unlock()
}

// RejectKind makes ApplyMutation refuse a kind with ErrSyncRejected.
func (r *FakeRemote) RejectKind(kind MutationKind, reject bool) {
	r.mu.Lock()
	r.rejectKinds[kind] = reject
	r.mu.Unlock()
}

// SetApplyError makes ApplyMutation fail with err until cleared.
func (r *FakeRemote) SetApplyError(err error) {
	r.mu.Lock()
	r.applyErr = err
	r.mu.Unlock()
}

// Applied returns a copy of the mutations the remote has accepted, in order.
func (r *FakeRemote) Applied() []Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mutation(nil), r.applied...)
}

func (r *FakeRemote) FetchCollection(ctx context.Context, tag CollectionTag, filters map[string]string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.networkDown {
		return nil, ErrNetworkUnavailable
	}
	return append([]Record(nil), r.collections[tag]...), nil
}

func (r *FakeRemote) FetchAssetBlob(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.networkDown {
		return nil, 0, ErrNetworkUnavailable
	}
	blob, ok := r.blobs[url]
	if !ok {
		return nil, 0, fmt.Errorf("blob %s: %w", url, ErrAssetNotFound)
	}
	return io.NopCloser(bytes.NewReader(blob)), int64(len(blob)), nil
}

func (r *FakeRemote) ApplyMutation(ctx context.Context, m Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.networkDown {
		return ErrNetworkUnavailable
	}
	if r.applyErr != nil {
		return r.applyErr
	}
	if r.rejectKinds[m.Kind] {
		return fmt.Errorf("kind %s: %w", m.Kind, ErrSyncRejected)
	}
	r.applied = append(r.applied, m)
	return nil
}

func (r *FakeRemote) GetServerVersion(ctx context.Context, assetID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.networkDown {
		return 0, ErrNetworkUnavailable
	}
	v, ok := r.versions[assetID]
	if !ok {
		return 0, fmt.Errorf("asset %s: %w", assetID, ErrAssetNotFound)
	}
	return v, nil
}
