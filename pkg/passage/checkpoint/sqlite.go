package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteBackend persists checkpoints to SQLite.
// It is suitable for single-process production use.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check.
var _ Backend = (*SQLiteBackend)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id            TEXT    NOT NULL,
	checkpoint_ns        TEXT    NOT NULL DEFAULT '',
	checkpoint_id        TEXT    NOT NULL,
	parent_checkpoint_id TEXT    NOT NULL DEFAULT '',
	checkpoint           BLOB    NOT NULL,
	encoding             TEXT    NOT NULL DEFAULT 'json',
	metadata             TEXT    NOT NULL DEFAULT '{}',
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_created
	ON checkpoints(thread_id, checkpoint_ns, created_at DESC);
`

// NewSQLiteBackend opens or creates a SQLite checkpoint database.
// The path should be a file path (e.g., "./passage.db") or ":memory:" for testing.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

const sqliteColumns = `thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id,
	checkpoint, encoding, metadata, created_at, updated_at`

func scanSQLiteRow(scan func(dest ...any) error) (Row, error) {
	var r Row
	var metadata string
	var created, updated int64
	if err := scan(&r.ThreadID, &r.Namespace, &r.CheckpointID, &r.ParentCheckpointID,
		&r.Checkpoint, &r.Encoding, &metadata, &created, &updated); err != nil {
		return Row{}, err
	}
	r.Metadata = []byte(metadata)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return r, nil
}

// Put implements Backend.
func (s *SQLiteBackend) Put(ctx context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			checkpoint = excluded.checkpoint,
			encoding = excluded.encoding,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, row.ThreadID, row.Namespace, row.CheckpointID, row.ParentCheckpointID,
		row.Checkpoint, row.Encoding, string(row.Metadata),
		row.CreatedAt.UnixNano(), row.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Get implements Backend.
func (s *SQLiteBackend) Get(ctx context.Context, threadID, namespace, checkpointID string) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	r, err := scanSQLiteRow(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteColumns+` FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
	`, threadID, namespace, checkpointID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &r, nil
}

// Latest implements Backend.
func (s *SQLiteBackend) Latest(ctx context.Context, threadID, namespace string) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	r, err := scanSQLiteRow(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteColumns+` FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1
	`, threadID, namespace).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return &r, nil
}

// List implements Backend. Metadata filters are evaluated after the query,
// so the SQL limit only applies to unfiltered listings.
func (s *SQLiteBackend) List(ctx context.Context, threadID, namespace string, q Query) ([]Row, error) {
	filter, err := normalizeFilter(q.Filter)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `
		SELECT ` + sqliteColumns + ` FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?
		ORDER BY created_at DESC, checkpoint_id DESC`
	args := []any{threadID, namespace}
	if filter == nil && q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		r, err := scanSQLiteRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		ok, err := matchMetadata(&r, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// Delete implements Backend.
func (s *SQLiteBackend) Delete(ctx context.Context, threadID, namespace, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
	`, threadID, namespace, checkpointID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// DeleteThread implements Backend.
func (s *SQLiteBackend) DeleteThread(ctx context.Context, threadID, namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.deleteReturning(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?
		RETURNING checkpoint_id
	`, threadID, namespace)
}

// Threads implements Backend.
func (s *SQLiteBackend) Threads(ctx context.Context) ([]ThreadKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT thread_id, checkpoint_ns FROM checkpoints
		ORDER BY thread_id, checkpoint_ns
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var keys []ThreadKey
	for rows.Next() {
		var k ThreadKey
		if err := rows.Scan(&k.ThreadID, &k.Namespace); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return keys, nil
}

// Prune implements Backend.
func (s *SQLiteBackend) Prune(ctx context.Context, key ThreadKey, cutoff time.Time, keep int) ([]string, error) {
	var conds []string
	args := []any{key.ThreadID, key.Namespace}
	if !cutoff.IsZero() {
		conds = append(conds, `created_at < ?`)
		args = append(args, cutoff.UnixNano())
	}
	if keep > 0 {
		conds = append(conds, `checkpoint_id NOT IN (
			SELECT checkpoint_id FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ?
			ORDER BY created_at DESC, checkpoint_id DESC
			LIMIT ?)`)
		args = append(args, key.ThreadID, key.Namespace, keep)
	}
	if len(conds) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.deleteReturning(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ? AND (`+strings.Join(conds, " OR ")+`)
		RETURNING checkpoint_id
	`, args...)
}

// deleteReturning runs a DELETE ... RETURNING checkpoint_id. Caller holds mu.
func (s *SQLiteBackend) deleteReturning(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delete checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delete checkpoints: %w", err)
	}
	return ids, nil
}

// Stats implements Backend.
func (s *SQLiteBackend) Stats(ctx context.Context, threadID string) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `
		SELECT thread_id, COALESCE(json_extract(metadata, '$.stage'), ''), COUNT(*)
		FROM checkpoints`
	var args []any
	if threadID != "" {
		query += ` WHERE thread_id = ?`
		args = append(args, threadID)
	}
	query += ` GROUP BY 1, 2`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint stats: %w", err)
	}
	defer rows.Close()

	stats := newStatistics()
	for rows.Next() {
		var thread, stage string
		var n int64
		if err := rows.Scan(&thread, &stage, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.TotalCheckpoints += n
		stats.CheckpointsByThread[thread] += n
		stats.CheckpointsByStage[stage] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
