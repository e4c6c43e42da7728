package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
)

// Backend stores checkpoints in the checkpoints table. Metadata is JSONB,
// so list filters use the @> containment operator in the database.
type Backend struct {
	pool     *pgxpool.Pool
	ownsPool bool
	closed   atomic.Bool
}

// Compile-time interface check.
var _ checkpoint.Backend = (*Backend)(nil)

// New creates a Backend over an existing pool. The caller keeps ownership
// of the pool; Close does not close it.
func New(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

const columns = `thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id,
	checkpoint, encoding, metadata, created_at, updated_at`

func scanRow(row pgx.CollectableRow) (checkpoint.Row, error) {
	var r checkpoint.Row
	if err := row.Scan(&r.ThreadID, &r.Namespace, &r.CheckpointID, &r.ParentCheckpointID,
		&r.Checkpoint, &r.Encoding, &r.Metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return checkpoint.Row{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (b *Backend) check() error {
	if b.closed.Load() {
		return checkpoint.ErrStoreClosed
	}
	return nil
}

// queryOne runs a single-row query and maps pgx.ErrNoRows to ErrNotFound.
func (b *Backend) queryOne(ctx context.Context, op, query string, args ...any) (*checkpoint.Row, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRow)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &r, nil
}

// Put implements checkpoint.Backend.
func (b *Backend) Put(ctx context.Context, row checkpoint.Row) error {
	if err := b.check(); err != nil {
		return err
	}

	metadata := row.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	_, err := b.pool.Exec(ctx, `
		INSERT INTO checkpoints (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			checkpoint = EXCLUDED.checkpoint,
			encoding = EXCLUDED.encoding,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
	`, row.ThreadID, row.Namespace, row.CheckpointID, row.ParentCheckpointID,
		row.Checkpoint, row.Encoding, string(metadata), row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Get implements checkpoint.Backend.
func (b *Backend) Get(ctx context.Context, threadID, namespace, checkpointID string) (*checkpoint.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.queryOne(ctx, "load checkpoint", `
		SELECT `+columns+` FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
	`, threadID, namespace, checkpointID)
}

// Latest implements checkpoint.Backend.
func (b *Backend) Latest(ctx context.Context, threadID, namespace string) (*checkpoint.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.queryOne(ctx, "load latest checkpoint", `
		SELECT `+columns+` FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1
	`, threadID, namespace)
}

// List implements checkpoint.Backend.
func (b *Backend) List(ctx context.Context, threadID, namespace string, q checkpoint.Query) ([]checkpoint.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	query := `SELECT ` + columns + ` FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2`
	args := []any{threadID, namespace}
	if len(q.Filter) > 0 {
		filter, err := json.Marshal(q.Filter)
		if err != nil {
			return nil, fmt.Errorf("encode filter: %w", err)
		}
		args = append(args, string(filter))
		query += fmt.Sprintf(` AND metadata @> $%d::jsonb`, len(args))
	}
	query += ` ORDER BY created_at DESC, checkpoint_id DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanRow)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if out == nil {
		out = []checkpoint.Row{}
	}
	return out, nil
}

// Delete implements checkpoint.Backend.
func (b *Backend) Delete(ctx context.Context, threadID, namespace, checkpointID string) error {
	if err := b.check(); err != nil {
		return err
	}
	_, err := b.pool.Exec(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
	`, threadID, namespace, checkpointID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// DeleteThread implements checkpoint.Backend.
func (b *Backend) DeleteThread(ctx context.Context, threadID, namespace string) ([]string, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.deleteReturning(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2
		RETURNING checkpoint_id
	`, threadID, namespace)
}

// Threads implements checkpoint.Backend.
func (b *Backend) Threads(ctx context.Context) ([]checkpoint.ThreadKey, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.pool.Query(ctx, `
		SELECT DISTINCT thread_id, checkpoint_ns FROM checkpoints
		ORDER BY thread_id, checkpoint_ns
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (checkpoint.ThreadKey, error) {
		var k checkpoint.ThreadKey
		err := row.Scan(&k.ThreadID, &k.Namespace)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return keys, nil
}

// Prune implements checkpoint.Backend.
func (b *Backend) Prune(ctx context.Context, key checkpoint.ThreadKey, cutoff time.Time, keep int) ([]string, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	var conds []string
	args := []any{key.ThreadID, key.Namespace}
	if !cutoff.IsZero() {
		args = append(args, cutoff)
		conds = append(conds, fmt.Sprintf(`created_at < $%d`, len(args)))
	}
	if keep > 0 {
		args = append(args, keep)
		conds = append(conds, fmt.Sprintf(`checkpoint_id NOT IN (
			SELECT checkpoint_id FROM checkpoints
			WHERE thread_id = $1 AND checkpoint_ns = $2
			ORDER BY created_at DESC, checkpoint_id DESC
			LIMIT $%d)`, len(args)))
	}
	if len(conds) == 0 {
		return nil, nil
	}

	return b.deleteReturning(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND (`+strings.Join(conds, " OR ")+`)
		RETURNING checkpoint_id
	`, args...)
}

func (b *Backend) deleteReturning(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delete checkpoints: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("delete checkpoints: %w", err)
	}
	return ids, nil
}

// Stats implements checkpoint.Backend.
func (b *Backend) Stats(ctx context.Context, threadID string) (*checkpoint.Statistics, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	query := `
		SELECT thread_id, COALESCE(metadata->>'stage', ''), COUNT(*)
		FROM checkpoints`
	var args []any
	if threadID != "" {
		query += ` WHERE thread_id = $1`
		args = append(args, threadID)
	}
	query += ` GROUP BY 1, 2`

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint stats: %w", err)
	}
	defer rows.Close()

	stats := &checkpoint.Statistics{
		CheckpointsByThread: make(map[string]int64),
		CheckpointsByStage:  make(map[string]int64),
	}
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
		return nil, fmt.Errorf("checkpoint stats: %w", err)
	}
	return stats, nil
}

// Close marks the backend closed and closes the pool if Open created it.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.ownsPool {
		b.pool.Close()
	}
	return nil
}
