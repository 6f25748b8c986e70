package offline

import (
	"encoding/json"
	"fmt"
	"time"
)

// CollectionTag partitions the small-record cache namespace logically.
type CollectionTag string

const (
	TagSubjects          CollectionTag = "subjects"
	TagQuizzes           CollectionTag = "quizzes"
	TagContentMeta       CollectionTag = "content_meta"
	TagSummaries         CollectionTag = "summaries"
	TagSubjectSelections CollectionTag = "subject_selections"
	TagStreaks           CollectionTag = "streaks"
	TagAuthSnapshot      CollectionTag = "auth_snapshot"
)

// AllCollectionTags lists every known tag, in refresh order.
var AllCollectionTags = []CollectionTag{
	TagSubjects,
	TagQuizzes,
	TagContentMeta,
	TagSummaries,
	TagSubjectSelections,
	TagStreaks,
	TagAuthSnapshot,
}

// Valid reports whether the tag is one of the known collection tags.
func (t CollectionTag) Valid() bool {
	switch t {
	case TagSubjects, TagQuizzes, TagContentMeta, TagSummaries,
		TagSubjectSelections, TagStreaks, TagAuthSnapshot:
		return true
	}
	return false
}

// Record is the envelope the small-record cache stores. Payload holds the
// JSON encoding of one of the typed collection variants below; records are
// always replaced wholesale on refresh and carry no version.
type Record struct {
	Key      string          `json:"key"`
	Tag      CollectionTag   `json:"tag"`
	Payload  json.RawMessage `json:"payload"`
	CachedAt time.Time       `json:"cached_at"`
}

// Subject is a course subject a student can select.
type Subject struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Class    string `json:"class"`
	Language string `json:"language"`
}

// Quiz is quiz metadata plus its question payload.
type Quiz struct {
	ID        string         `json:"id"`
	SubjectID string         `json:"subject_id"`
	Title     string         `json:"title"`
	Questions []QuizQuestion `json:"questions"`
}

// QuizQuestion is a single question with its choices.
type QuizQuestion struct {
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
	Answer  int      `json:"answer"`
}

// ContentMeta describes a downloadable piece of content without its blob.
type ContentMeta struct {
	ID       string    `json:"id"`
	Kind     AssetKind `json:"kind"`
	Title    string    `json:"title"`
	Class    string    `json:"class"`
	Subject  string    `json:"subject"`
	Language string    `json:"language"`
	URL      string    `json:"url"`
	Version  int64     `json:"version"`
}

// ChatSummary is a pre-generated chatbot answer summary.
type ChatSummary struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	Topic     string `json:"topic"`
	Summary   string `json:"summary"`
}

// SubjectSelection records a student's chosen subjects.
type SubjectSelection struct {
	StudentID  string   `json:"student_id"`
	SubjectIDs []string `json:"subject_ids"`
}

// StreakEntry tracks a day of study activity.
type StreakEntry struct {
	StudentID string    `json:"student_id"`
	Day       time.Time `json:"day"`
	Minutes   int       `json:"minutes"`
}

// AuthSnapshot caches the last-known session identity so the shell can
// render a signed-in UI while offline. It is not an authorization source.
type AuthSnapshot struct {
	StudentID   string    `json:"student_id"`
	DisplayName string    `json:"display_name"`
	Class       string    `json:"class"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// NewRecord marshals payload into a Record envelope for tag/key.
// Marshal failures are reported as ErrSerializationFailure.
func NewRecord(tag CollectionTag, key string, payload any, now time.Time) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrSerializationFailure, err)
	}
	return Record{
		Key:      key,
		Tag:      tag,
		Payload:  raw,
		CachedAt: now.UTC(),
	}, nil
}
