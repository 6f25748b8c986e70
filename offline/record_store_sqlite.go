package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteBusyTimeoutMS = 5000

// SQLiteRecordStore persists the small-record cache in a local SQLite file so
// cached collections survive process restarts. ReplaceCollection runs as a
// single transaction; readers see the old collection until commit.
type SQLiteRecordStore struct {
	db *sql.DB
}

// OpenSQLiteRecordStore opens (and bootstraps) a record store at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLiteRecordStore(path string) (*SQLiteRecordStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite record store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", sqliteBusyTimeoutMS),
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite record store: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			tag        TEXT NOT NULL,
			key        TEXT NOT NULL,
			payload    BLOB NOT NULL,
			cached_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (tag, key)
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}

	return &SQLiteRecordStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteRecordStore) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (tag, key, payload, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tag, key) DO UPDATE SET
			payload = excluded.payload,
			cached_at = excluded.cached_at
	`, string(rec.Tag), rec.Key, []byte(rec.Payload), rec.CachedAt.UTC())
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", rec.Tag, rec.Key, err)
	}
	return nil
}

func (s *SQLiteRecordStore) Get(ctx context.Context, tag CollectionTag, key string) (*Record, error) {
	rec := Record{Tag: tag, Key: key}
	var payload []byte
	var cachedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, cached_at FROM records WHERE tag = ? AND key = ?`,
		string(tag), key,
	).Scan(&payload, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", tag, key, err)
	}
	rec.Payload = payload
	rec.CachedAt = cachedAt.UTC()
	return &rec, nil
}

func (s *SQLiteRecordStore) GetAll(ctx context.Context, tag CollectionTag) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, payload, cached_at FROM records WHERE tag = ? ORDER BY key`,
		string(tag),
	)
	if err != nil {
		return nil, fmt.Errorf("list records %s: %w", tag, err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec := Record{Tag: tag}
		var payload []byte
		var cachedAt time.Time
		if err := rows.Scan(&rec.Key, &payload, &cachedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Payload = payload
		rec.CachedAt = cachedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records %s: %w", tag, err)
	}
	return out, nil
}

func (s *SQLiteRecordStore) ReplaceCollection(ctx context.Context, tag CollectionTag, recs []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace collection %s: begin: %w", tag, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE tag = ?`, string(tag)); err != nil {
		return fmt.Errorf("replace collection %s: clear: %w", tag, err)
	}
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (tag, key, payload, cached_at)
			VALUES (?, ?, ?, ?)
		`, string(tag), rec.Key, []byte(rec.Payload), rec.CachedAt.UTC()); err != nil {
			return fmt.Errorf("replace collection %s: insert %s: %w", tag, rec.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace collection %s: commit: %w", tag, err)
	}
	return nil
}

func (s *SQLiteRecordStore) Counts(ctx context.Context) (map[CollectionTag]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag, COUNT(*) FROM records GROUP BY tag`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[CollectionTag]int)
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("scan record count: %w", err)
		}
		counts[CollectionTag(tag)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteRecordStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	return nil
}
