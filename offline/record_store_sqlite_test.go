package offline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSQLiteRecordStore(t *testing.T) {
	t.Run("round_trip", testSQLiteRoundTrip)
	t.Run("replace_collection", testSQLiteReplaceCollection)
	t.Run("counts_and_clear", testSQLiteCountsAndClear)
	t.Run("survives_reopen", testSQLiteSurvivesReopen)
}

func openTestSQLite(t *testing.T) *SQLiteRecordStore {
	t.Helper()
	store, err := OpenSQLiteRecordStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec, err := NewRecord(TagSubjects, "sub-1", Subject{ID: "sub-1", Name: "Science"}, now)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, TagSubjects, "sub-1")
	require.NoError(t, err)
	require.Equal(t, rec.Key, got.Key)
	require.JSONEq(t, string(rec.Payload), string(got.Payload))
	require.True(t, got.CachedAt.Equal(now))

	_, err = store.Get(ctx, TagSubjects, "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)

	// upsert replaces the payload in place
	rec2, err := NewRecord(TagSubjects, "sub-1", Subject{ID: "sub-1", Name: "Physics"}, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, rec2))

	got, err = store.Get(ctx, TagSubjects, "sub-1")
	require.NoError(t, err)
	require.JSONEq(t, string(rec2.Payload), string(got.Payload))

	all, err := store.GetAll(ctx, TagSubjects)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func testSQLiteReplaceCollection(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	now := time.Now().UTC()

	old := make([]Record, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		rec, err := NewRecord(TagQuizzes, id, Quiz{ID: id}, now)
		require.NoError(t, err)
		old = append(old, rec)
	}
	require.NoError(t, store.ReplaceCollection(ctx, TagQuizzes, old))

	next := make([]Record, 0, 2)
	for _, id := range []string{"x", "y"} {
		rec, err := NewRecord(TagQuizzes, id, Quiz{ID: id}, now)
		require.NoError(t, err)
		next = append(next, rec)
	}
	require.NoError(t, store.ReplaceCollection(ctx, TagQuizzes, next))

	all, err := store.GetAll(ctx, TagQuizzes)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "x", all[0].Key)
	require.Equal(t, "y", all[1].Key)

	// other collections are untouched
	require.NoError(t, store.ReplaceCollection(ctx, TagStreaks, nil))
	all, err = store.GetAll(ctx, TagQuizzes)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func testSQLiteCountsAndClear(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	now := time.Now().UTC()

	for i, tag := range []CollectionTag{TagSubjects, TagSubjects, TagStreaks} {
		rec, err := NewRecord(tag, string(rune('a'+i)), map[string]int{"i": i}, now)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, rec))
	}

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[TagSubjects])
	require.Equal(t, 1, counts[TagStreaks])

	require.NoError(t, store.Clear(ctx))
	counts, err = store.Counts(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func testSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	store, err := OpenSQLiteRecordStore(path)
	require.NoError(t, err)
	rec, err := NewRecord(TagAuthSnapshot, "student-1", AuthSnapshot{StudentID: "student-1"}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, rec))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteRecordStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, TagAuthSnapshot, "student-1")
	require.NoError(t, err)
	require.JSONEq(t, string(rec.Payload), string(got.Payload))
}
