package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MutationKind classifies deferred server writes.
type MutationKind string

const (
	MutationQuizScore        MutationKind = "quiz_score"
	MutationSubjectUpdate    MutationKind = "subject_update"
	MutationCredentialUpdate MutationKind = "credential_update"
	MutationProgress         MutationKind = "progress"
)

// Valid reports whether the kind is a known mutation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationQuizScore, MutationSubjectUpdate, MutationCredentialUpdate, MutationProgress:
		return true
	}
	return false
}

// Mutation is one deferred write. It is created when a server mutation is
// attempted offline (or fails network-wise) and deleted only after the remote
// accepts the replay; replay is all-or-nothing per mutation.
type Mutation struct {
	ID         string          `json:"id"`
	Kind       MutationKind    `json:"kind"`
	TargetID   string          `json:"target_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
}

// bucketKey collapses mutations last-write-wins. Two mutations of the same
// kind for the same target replace each other; credential updates collapse on
// kind alone, so at most one pending credential change exists at a time.
func (m Mutation) bucketKey() string {
	if m.Kind == MutationCredentialUpdate {
		return string(m.Kind)
	}
	return string(m.Kind) + ":" + m.TargetID
}

// FailedMutation is a mutation the queue has given up on, with the reason.
type FailedMutation struct {
	Mutation Mutation `json:"mutation"`
	Reason   string   `json:"reason"`
}

// FlushReport summarizes one flush pass. Individual mutation failures are
// collected here rather than returned as errors, so the caller can show
// "N changes pending" instead of crashing.
type FlushReport struct {
	Applied  int              `json:"applied"`
	Retained int              `json:"retained"`
	Failed   []FailedMutation `json:"failed"`
}

// FlushObserver is notified after each flush pass.
type FlushObserver interface {
	ObserveFlush(report FlushReport)
}

// FlushObserverFunc adapts a function to FlushObserver.
type FlushObserverFunc func(report FlushReport)

// ObserveFlush calls f(report).
func (f FlushObserverFunc) ObserveFlush(report FlushReport) {
	if f != nil {
		f(report)
	}
}

// QueueStore is the persistence abstraction for pending mutations.
//
// Put with an existing bucket key replaces the stored mutation but keeps its
// original queue position; List returns mutations in first-enqueue order.
//
// Delete and Replace are conditional on the stored mutation's id: a bucket
// whose occupant no longer matches is left alone. A flush works from a
// snapshot, and a mutation enqueued into the same bucket while its
// predecessor is in flight must survive the predecessor's dequeue.
type QueueStore interface {
	Put(ctx context.Context, bucketKey string, m Mutation) error
	Delete(ctx context.Context, bucketKey, id string) error
	Replace(ctx context.Context, bucketKey, id string, m Mutation) error
	List(ctx context.Context) ([]Mutation, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

const defaultRetryCeiling = 5

// Queue is the pending-write queue: the durable, ordered list of mutations
// attempted while offline, replayed against the remote on flush.
type Queue struct {
	store    QueueStore
	remote   Remote
	logger   *slog.Logger
	now      func() time.Time
	ceiling  int
	observer FlushObserver

	// flushMu serializes flush passes; reconnect-triggered and explicit
	// flushes may otherwise race and replay the same mutation twice.
	flushMu sync.Mutex
}

// NewQueue creates a pending-write queue over the given store and remote.
// retryCeiling <= 0 selects the default of 5.
func NewQueue(store QueueStore, remote Remote, logger *slog.Logger, now func() time.Time, retryCeiling int) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if retryCeiling <= 0 {
		retryCeiling = defaultRetryCeiling
	}
	return &Queue{
		store:   store,
		remote:  remote,
		logger:  logger,
		now:     now,
		ceiling: retryCeiling,
	}
}

// SetFlushObserver registers an observer for flush reports.
func (q *Queue) SetFlushObserver(observer FlushObserver) {
	q.observer = observer
}

// Enqueue records a deferred mutation. A missing ID is assigned; a mutation
// for an already-queued (kind, target) bucket replaces the queued one and
// resets its retry count.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (Mutation, error) {
	if !m.Kind.Valid() {
		return Mutation{}, fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	if m.Kind != MutationCredentialUpdate && m.TargetID == "" {
		return Mutation{}, fmt.Errorf("mutation target id is required for kind %q", m.Kind)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = q.now().UTC()
	}
	m.RetryCount = 0

	if err := q.store.Put(ctx, m.bucketKey(), m); err != nil {
		return Mutation{}, fmt.Errorf("enqueue mutation %s: %w", m.ID, err)
	}
	q.logger.InfoContext(ctx, "mutation queued", "mutation_id", m.ID, "kind", string(m.Kind), "target_id", m.TargetID)
	return m, nil
}

// Pending returns a snapshot of queued mutations in first-enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]Mutation, error) {
	return q.store.List(ctx)
}

// Len returns the number of queued mutations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

// Flush replays every queued mutation against the remote.
//
// Accepted mutations are deleted. Network failures increment the retry count
// and leave the mutation queued for the next flush; mutations past the retry
// ceiling, and mutations the remote permanently rejects, are removed and
// surfaced in the report's Failed list. Only store or context errors abort
// the pass.
func (q *Queue) Flush(ctx context.Context) (FlushReport, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	pending, err := q.store.List(ctx)
	if err != nil {
		return FlushReport{}, fmt.Errorf("list pending mutations: %w", err)
	}

	report := FlushReport{Failed: []FailedMutation{}}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		applyErr := q.remote.ApplyMutation(ctx, m)
		switch {
		case applyErr == nil:
			if err := q.store.Delete(ctx, m.bucketKey(), m.ID); err != nil {
				return report, fmt.Errorf("dequeue mutation %s: %w", m.ID, err)
			}
			report.Applied++
			q.logger.InfoContext(ctx, "mutation replayed", "mutation_id", m.ID, "kind", string(m.Kind))

		case errors.Is(applyErr, ErrSyncRejected):
			if err := q.store.Delete(ctx, m.bucketKey(), m.ID); err != nil {
				return report, fmt.Errorf("dequeue rejected mutation %s: %w", m.ID, err)
			}
			report.Failed = append(report.Failed, FailedMutation{Mutation: m, Reason: applyErr.Error()})
			q.logger.WarnContext(ctx, "mutation rejected by remote", "mutation_id", m.ID, "kind", string(m.Kind), "error", applyErr)

		default:
			m.RetryCount++
			if m.RetryCount > q.ceiling {
				if err := q.store.Delete(ctx, m.bucketKey(), m.ID); err != nil {
					return report, fmt.Errorf("dequeue exhausted mutation %s: %w", m.ID, err)
				}
				report.Failed = append(report.Failed, FailedMutation{
					Mutation: m,
					Reason:   fmt.Sprintf("%v after %d attempts: %v", ErrMutationRetryExhausted, m.RetryCount, applyErr),
				})
				q.logger.ErrorContext(ctx, "mutation retry ceiling reached", "mutation_id", m.ID, "kind", string(m.Kind), "attempts", m.RetryCount, "error", applyErr)
				continue
			}
			if err := q.store.Replace(ctx, m.bucketKey(), m.ID, m); err != nil {
				return report, fmt.Errorf("requeue mutation %s: %w", m.ID, err)
			}
			report.Retained++
			q.logger.WarnContext(ctx, "mutation replay failed, retained", "mutation_id", m.ID, "kind", string(m.Kind), "retry_count", m.RetryCount, "error", applyErr)
		}
	}

	if q.observer != nil {
		q.observer.ObserveFlush(report)
	}
	return report, nil
}
