package checkpoint

import (
	"context"
	"time"
)

// Payload encodings recorded per row.
const (
	EncodingJSON = "json"
	EncodingZstd = "zstd"
)

// Row is a checkpoint as the durable tier stores it.
type Row struct {
	ThreadID           string
	Namespace          string
	CheckpointID       string
	ParentCheckpointID string
	// Checkpoint is the encoded Checkpoint.
	Checkpoint []byte
	// Encoding is EncodingJSON or EncodingZstd.
	Encoding string
	// Metadata is the JSON-encoded Metadata.
	Metadata []byte
	// CreatedAt is the checkpoint timestamp and drives ordering.
	CreatedAt time.Time
	// UpdatedAt is the time the row was last written.
	UpdatedAt time.Time
}

// Key returns the thread the row belongs to.
func (r Row) Key() ThreadKey {
	return ThreadKey{ThreadID: r.ThreadID, Namespace: r.Namespace}
}

// Query narrows a List call.
type Query struct {
	// Filter is matched against the row metadata with JSON containment:
	// scalars compare equal, arrays must contain every listed element and
	// objects match recursively.
	Filter map[string]any
	// Limit caps the number of rows; zero or negative means no limit.
	Limit int
}

// Backend is the durable tier. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Put inserts or replaces the row with the same (thread, namespace, id).
	Put(ctx context.Context, row Row) error

	// Get returns the row with the exact id, or ErrNotFound.
	Get(ctx context.Context, threadID, namespace, checkpointID string) (*Row, error)

	// Latest returns the newest row of a thread, or ErrNotFound.
	Latest(ctx context.Context, threadID, namespace string) (*Row, error)

	// List returns rows of a thread newest first.
	// Returns an empty slice (not error) for an unknown thread.
	List(ctx context.Context, threadID, namespace string, q Query) ([]Row, error)

	// Delete removes one row. Returns nil if it doesn't exist.
	Delete(ctx context.Context, threadID, namespace, checkpointID string) error

	// DeleteThread removes every row of a thread and returns their ids.
	DeleteThread(ctx context.Context, threadID, namespace string) ([]string, error)

	// Threads lists every thread that has at least one row.
	Threads(ctx context.Context) ([]ThreadKey, error)

	// Prune removes rows of a thread created before cutoff, or ranked
	// beyond keep when ordered newest first. A zero cutoff or a keep of
	// zero disables that criterion. Returns the ids removed.
	Prune(ctx context.Context, key ThreadKey, cutoff time.Time, keep int) ([]string, error)

	// Stats aggregates counts, optionally restricted to one thread id.
	Stats(ctx context.Context, threadID string) (*Statistics, error)

	// Close releases any resources (connections, files).
	Close() error
}

// newStatistics returns Statistics with initialized maps.
func newStatistics() *Statistics {
	return &Statistics{
		CheckpointsByThread: make(map[string]int64),
		CheckpointsByStage:  make(map[string]int64),
	}
}
