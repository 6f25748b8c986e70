package offline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEngineAccessors(t *testing.T) {
	t.Run("typed_collections", testEngineTypedCollections)
	t.Run("auth_snapshot_single_occupancy", testEngineAuthSnapshot)
	t.Run("usage", testEngineUsage)
}

func testEngineTypedCollections(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()
	defer h.Cleanup()
	e := h.Engine()

	quizzes := []Quiz{
		{ID: "q1", SubjectID: "sub-1", Title: "Fractions", Questions: []QuizQuestion{
			{Prompt: "1/2 + 1/4?", Choices: []string{"3/4", "2/6"}, Answer: 0},
		}},
		{ID: "q2", SubjectID: "sub-2", Title: "Plants"},
		{ID: "q3", SubjectID: "sub-1", Title: "Decimals"},
	}
	for _, q := range quizzes {
		require.NoError(t, e.Records().Put(ctx, TagQuizzes, q.ID, q))
	}

	require.Len(t, e.Quizzes(ctx, ""), 3)
	mathQuizzes := e.Quizzes(ctx, "sub-1")
	require.Len(t, mathQuizzes, 2)
	for _, q := range mathQuizzes {
		require.Equal(t, "sub-1", q.SubjectID)
	}
	require.Len(t, mathQuizzes[0].Questions, 1)

	sel := SubjectSelection{StudentID: "student-1", SubjectIDs: []string{"sub-1", "sub-2"}}
	require.NoError(t, e.Records().Put(ctx, TagSubjectSelections, sel.StudentID, sel))
	got, err := e.SubjectSelection(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, sel.SubjectIDs, got.SubjectIDs)
	_, err = e.SubjectSelection(ctx, "nobody")
	require.ErrorIs(t, err, ErrRecordNotFound)

	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, student := range []string{"student-1", "student-1", "student-2"} {
		entry := StreakEntry{StudentID: student, Day: day.AddDate(0, 0, i), Minutes: 30}
		key := student + "/" + entry.Day.Format("2006-01-02")
		require.NoError(t, e.Records().Put(ctx, TagStreaks, key, entry))
	}
	require.Len(t, e.Streaks(ctx, "student-1"), 2)
	require.Len(t, e.Streaks(ctx, "student-2"), 1)
}

func testEngineAuthSnapshot(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()
	defer h.Cleanup()
	e := h.Engine()

	_, err := e.AuthSnapshot(ctx)
	require.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, e.SetAuthSnapshot(ctx, AuthSnapshot{StudentID: "student-1", DisplayName: "Asha"}))
	snap, err := e.AuthSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Asha", snap.DisplayName)

	// a new sign-in replaces the old snapshot entirely
	require.NoError(t, e.SetAuthSnapshot(ctx, AuthSnapshot{StudentID: "student-2", DisplayName: "Ravi"}))
	snap, err = e.AuthSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "student-2", snap.StudentID)
	require.Len(t, e.Records().GetAll(ctx, TagAuthSnapshot, nil), 1)
}

func testEngineUsage(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).WithQuota(1000).Setup()
	defer h.Cleanup()
	e := h.Engine()

	require.NoError(t, e.Blobs().Put(ctx, &BlobAsset{
		ID: "book-1", Kind: AssetEbook, Version: 1, Blob: []byte("0123456789"),
	}))
	require.NoError(t, e.Records().Put(ctx, TagSubjects, "sub-1", Subject{ID: "sub-1"}))

	snap, err := e.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(10), snap.TotalBlobBytes)
	require.Equal(t, int64(1000), snap.MaxBlobBytes)
	require.Equal(t, 1, snap.AssetCount)
	require.Equal(t, 1, snap.PerCollectionCounts[TagSubjects])
}
