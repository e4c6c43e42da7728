package passage

import (
	"errors"
	"fmt"
)

// Sentinel errors for engine calls.
var (
	// ErrInvalidThreadID indicates an empty thread id.
	ErrInvalidThreadID = errors.New("thread id is required")

	// ErrInvalidEntryState indicates Start was given a state outside INITIAL.
	ErrInvalidEntryState = errors.New("workflow must start in the INITIAL stage")

	// ErrThreadExists indicates Start was called on a thread with history.
	ErrThreadExists = errors.New("thread already has checkpoints")

	// ErrNoCheckpoint indicates a thread without any checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint for thread")

	// ErrNotInterrupted indicates Resume on a thread that isn't suspended
	// before an interrupt node.
	ErrNotInterrupted = errors.New("thread is not interrupted")

	// ErrMaxSteps indicates Run executed the configured number of steps
	// without reaching an interrupt or the end.
	ErrMaxSteps = errors.New("exceeded maximum steps")

	// ErrRouterTargetNotFound indicates the router returned an unknown node.
	ErrRouterTargetNotFound = errors.New("router returned unknown node")
)

// CheckpointError wraps a failure to load or persist a checkpoint during an
// engine call.
type CheckpointError struct {
	// ThreadID is the thread being executed.
	ThreadID string
	// NodeID is the node that ran before the failure, if any.
	NodeID string
	// Op is the operation that failed ("load", "save", "encode", "decode").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("checkpoint %s for thread %s: %v", e.Op, e.ThreadID, e.Err)
	}
	return fmt.Sprintf("checkpoint %s for thread %s after node %s: %v", e.Op, e.ThreadID, e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// RouterError reports a router result the graph can't execute.
type RouterError struct {
	// Stage is the planning stage the router was given.
	Stage Stage
	// Returned is the value the router returned.
	Returned string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	return fmt.Sprintf("router at stage %s returned %q: %v", e.Stage, e.Returned, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RouterError) Unwrap() error {
	return e.Err
}

// MaxStepsError provides context when the step limit is exceeded.
// The thread stays resumable with Run.
type MaxStepsError struct {
	// Max is the configured limit.
	Max int
	// ThreadID is the thread being executed.
	ThreadID string
	// Next is the node that would have executed next.
	Next string
}

// Error implements the error interface.
func (e *MaxStepsError) Error() string {
	return fmt.Sprintf("exceeded maximum steps (%d) on thread %s before node %s", e.Max, e.ThreadID, e.Next)
}

// Unwrap returns ErrMaxSteps for errors.Is support.
func (e *MaxStepsError) Unwrap() error {
	return ErrMaxSteps
}

// CancellationError records where execution stopped when the context was
// cancelled. The last persisted checkpoint is intact.
type CancellationError struct {
	// ThreadID is the thread being executed.
	ThreadID string
	// Next is the node that was about to execute.
	Next string
	// Cause is context.Canceled or context.DeadlineExceeded.
	Cause error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled on thread %s before node %s: %v", e.ThreadID, e.Next, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// NodeError wraps an error returned by a node. The engine records its
// message in the errors channel.
type NodeError struct {
	// NodeID is the node that failed.
	NodeID string
	// Err is the underlying error from the node.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures a recovered node panic.
type PanicError struct {
	// NodeID is the node that panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}
