package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	t.Run("enqueue_assigns_identity", testQueueEnqueueIdentity)
	t.Run("last_write_wins_per_bucket", testQueueLastWriteWins)
	t.Run("credential_updates_collapse_on_kind", testQueueCredentialCollapse)
	t.Run("flush_applies_in_order", testQueueFlushApplies)
	t.Run("flush_rejected_is_dropped", testQueueFlushRejected)
	t.Run("flush_network_failure_retains", testQueueFlushRetains)
	t.Run("retry_ceiling_discards", testQueueRetryCeiling)
	t.Run("flush_observer", testQueueFlushObserver)
	t.Run("mid_flight_replacement_survives_flush", testQueueMidFlightReplacementSurvives)
	t.Run("mid_flight_replacement_survives_retry", testQueueMidFlightReplacementSurvivesRetry)
}

func newTestQueue(t *testing.T, ceiling int) (*Queue, *FakeRemote) {
	t.Helper()
	remote := NewFakeRemote()
	return NewQueue(NewMemoryQueueStore(), remote, nil, nil, ceiling), remote
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// gatedRemote parks every ApplyMutation call until release is closed, so a
// test can interleave enqueues with an in-flight flush.
type gatedRemote struct {
	*FakeRemote
	entered chan string
	release chan struct{}
}

func newGatedRemote() *gatedRemote {
	return &gatedRemote{
		FakeRemote: NewFakeRemote(),
		entered:    make(chan string, 1),
		release:    make(chan struct{}),
	}
}

func (r *gatedRemote) ApplyMutation(ctx context.Context, m Mutation) error {
	r.entered <- m.ID
	<-r.release
	return r.FakeRemote.ApplyMutation(ctx, m)
}

type flushResult struct {
	report FlushReport
	err    error
}

func testQueueEnqueueIdentity(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 0)

	m, err := q.Enqueue(ctx, Mutation{
		Kind:     MutationQuizScore,
		TargetID: "quiz-1",
		Payload:  mustPayload(t, map[string]int{"score": 8}),
	})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.False(t, m.CreatedAt.IsZero())
	require.Zero(t, m.RetryCount)

	_, err = q.Enqueue(ctx, Mutation{Kind: MutationKind("bogus"), TargetID: "x"})
	require.Error(t, err)
	_, err = q.Enqueue(ctx, Mutation{Kind: MutationQuizScore})
	require.Error(t, err, "target id is required for targeted kinds")

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testQueueLastWriteWins(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 0)

	_, err := q.Enqueue(ctx, Mutation{
		Kind:     MutationSubjectUpdate,
		TargetID: "student-1",
		Payload:  mustPayload(t, map[string]any{"subjects": []string{"math"}}),
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Mutation{
		Kind:     MutationSubjectUpdate,
		TargetID: "student-1",
		Payload:  mustPayload(t, map[string]any{"subjects": []string{"math", "science"}}),
	})
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "same kind and target collapse to one mutation")
	require.JSONEq(t, `{"subjects":["math","science"]}`, string(pending[0].Payload))

	// a different target is its own bucket
	_, err = q.Enqueue(ctx, Mutation{
		Kind:     MutationSubjectUpdate,
		TargetID: "student-2",
		Payload:  mustPayload(t, map[string]any{"subjects": []string{"hindi"}}),
	})
	require.NoError(t, err)
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "student-1", pending[0].TargetID, "replacement keeps the original queue position")
}

func testQueueCredentialCollapse(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 0)

	_, err := q.Enqueue(ctx, Mutation{
		Kind:    MutationCredentialUpdate,
		Payload: mustPayload(t, map[string]string{"password": "first"}),
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Mutation{
		Kind:     MutationCredentialUpdate,
		TargetID: "irrelevant",
		Payload:  mustPayload(t, map[string]string{"password": "second"}),
	})
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "credential updates collapse regardless of target")
	require.JSONEq(t, `{"password":"second"}`, string(pending[0].Payload))
}

func testQueueFlushApplies(t *testing.T) {
	ctx := context.Background()
	q, remote := newTestQueue(t, 0)

	for i, target := range []string{"quiz-1", "quiz-2", "quiz-3"} {
		_, err := q.Enqueue(ctx, Mutation{
			Kind:     MutationQuizScore,
			TargetID: target,
			Payload:  mustPayload(t, map[string]int{"score": i}),
		})
		require.NoError(t, err)
	}

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Applied)
	require.Zero(t, report.Retained)
	require.Empty(t, report.Failed)

	applied := remote.Applied()
	require.Len(t, applied, 3)
	require.Equal(t, "quiz-1", applied[0].TargetID)
	require.Equal(t, "quiz-2", applied[1].TargetID)
	require.Equal(t, "quiz-3", applied[2].TargetID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testQueueFlushRejected(t *testing.T) {
	ctx := context.Background()
	q, remote := newTestQueue(t, 0)
	remote.RejectKind(MutationProgress, true)

	_, err := q.Enqueue(ctx, Mutation{Kind: MutationProgress, TargetID: "ch-1", Payload: mustPayload(t, map[string]int{"page": 4})})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Mutation{Kind: MutationQuizScore, TargetID: "quiz-1", Payload: mustPayload(t, map[string]int{"score": 9})})
	require.NoError(t, err)

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Len(t, report.Failed, 1)
	require.Equal(t, MutationProgress, report.Failed[0].Mutation.Kind)
	require.Contains(t, report.Failed[0].Reason, ErrSyncRejected.Error())

	// rejected mutations are gone, not retried forever
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testQueueFlushRetains(t *testing.T) {
	ctx := context.Background()
	q, remote := newTestQueue(t, 0)
	remote.SetNetworkDown(true)

	_, err := q.Enqueue(ctx, Mutation{Kind: MutationQuizScore, TargetID: "quiz-1", Payload: mustPayload(t, map[string]int{"score": 5})})
	require.NoError(t, err)

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Applied)
	require.Equal(t, 1, report.Retained)
	require.Empty(t, report.Failed)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)

	// the network comes back; the retained mutation applies
	remote.SetNetworkDown(false)
	report, err = q.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
}

func testQueueRetryCeiling(t *testing.T) {
	ctx := context.Background()
	q, remote := newTestQueue(t, 2)
	remote.SetApplyError(fmt.Errorf("backend melting"))

	_, err := q.Enqueue(ctx, Mutation{Kind: MutationProgress, TargetID: "ch-1", Payload: mustPayload(t, map[string]int{"page": 1})})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		report, err := q.Flush(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Retained)
	}

	// third failure goes past the ceiling and discards
	report, err := q.Flush(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Retained)
	require.Len(t, report.Failed, 1)
	require.Contains(t, report.Failed[0].Reason, ErrMutationRetryExhausted.Error())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testQueueFlushObserver(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 0)

	var reports []FlushReport
	q.SetFlushObserver(FlushObserverFunc(func(r FlushReport) {
		reports = append(reports, r)
	}))

	_, err := q.Enqueue(ctx, Mutation{Kind: MutationQuizScore, TargetID: "quiz-1", Payload: mustPayload(t, map[string]int{"score": 10})})
	require.NoError(t, err)

	_, err = q.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, 1, reports[0].Applied)
}

func testQueueMidFlightReplacementSurvives(t *testing.T) {
	ctx := context.Background()
	remote := newGatedRemote()
	q := NewQueue(NewMemoryQueueStore(), remote, nil, nil, 0)

	old, err := q.Enqueue(ctx, Mutation{
		Kind:     MutationSubjectUpdate,
		TargetID: "student-1",
		Payload:  mustPayload(t, map[string]any{"subjects": []string{"math"}}),
	})
	require.NoError(t, err)

	done := make(chan flushResult, 1)
	go func() {
		report, err := q.Flush(ctx)
		done <- flushResult{report, err}
	}()

	// old is at the remote; a newer write lands in the same bucket
	<-remote.entered
	replacement, err := q.Enqueue(ctx, Mutation{
		Kind:     MutationSubjectUpdate,
		TargetID: "student-1",
		Payload:  mustPayload(t, map[string]any{"subjects": []string{"math", "science"}}),
	})
	require.NoError(t, err)
	close(remote.release)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 1, res.report.Applied)

	applied := remote.Applied()
	require.Len(t, applied, 1)
	require.Equal(t, old.ID, applied[0].ID)

	// the newer write is still queued for the next flush
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, replacement.ID, pending[0].ID)
	require.JSONEq(t, `{"subjects":["math","science"]}`, string(pending[0].Payload))
}

func testQueueMidFlightReplacementSurvivesRetry(t *testing.T) {
	ctx := context.Background()
	remote := newGatedRemote()
	remote.SetNetworkDown(true)
	q := NewQueue(NewMemoryQueueStore(), remote, nil, nil, 0)

	_, err := q.Enqueue(ctx, Mutation{
		Kind:     MutationProgress,
		TargetID: "ch-1",
		Payload:  mustPayload(t, map[string]int{"page": 4}),
	})
	require.NoError(t, err)

	done := make(chan flushResult, 1)
	go func() {
		report, err := q.Flush(ctx)
		done <- flushResult{report, err}
	}()

	// the failing replay must not clobber a newer write with a bumped retry
	<-remote.entered
	replacement, err := q.Enqueue(ctx, Mutation{
		Kind:     MutationProgress,
		TargetID: "ch-1",
		Payload:  mustPayload(t, map[string]int{"page": 9}),
	})
	require.NoError(t, err)
	close(remote.release)

	res := <-done
	require.NoError(t, res.err)
	require.Zero(t, res.report.Applied)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, replacement.ID, pending[0].ID)
	require.JSONEq(t, `{"page":9}`, string(pending[0].Payload))
	require.Zero(t, pending[0].RetryCount)
}
