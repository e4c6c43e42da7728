package checkpoint

import (
	"errors"
	"fmt"
)

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrInvalidRef indicates a reference without a thread id.
	ErrInvalidRef = errors.New("checkpoint ref requires a thread id")

	// ErrNilCheckpoint indicates Put was called without a checkpoint.
	ErrNilCheckpoint = errors.New("checkpoint is nil")

	// ErrCorrupt indicates a stored payload could not be decoded.
	ErrCorrupt = errors.New("checkpoint payload corrupt")

	// ErrVersionMismatch indicates a payload written by a newer format.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
)

// Tier names used in TierError.
const (
	TierDurable = "durable"
	TierCache   = "cache"
)

// TierError wraps a failure of one storage tier.
type TierError struct {
	// Tier is TierDurable or TierCache.
	Tier string
	// Op is the operation that failed ("put", "get", "list", ...).
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TierError) Error() string {
	return fmt.Sprintf("checkpoint %s tier %s: %v", e.Tier, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TierError) Unwrap() error {
	return e.Err
}

// DecodeError reports a checkpoint that was found but could not be decoded.
type DecodeError struct {
	ThreadID     string
	CheckpointID string
	// Err wraps ErrCorrupt or ErrVersionMismatch.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode checkpoint %s/%s: %v", e.ThreadID, e.CheckpointID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
