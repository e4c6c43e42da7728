package passage

import (
	"time"

	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
)

// Status describes where a thread stands.
type Status string

// Thread statuses.
const (
	// StatusRunning means the head checkpoint names a node that Run will
	// execute, for example after a crash or a MaxStepsError.
	StatusRunning Status = "running"
	// StatusInterrupted means execution is suspended before an interrupt
	// node and waits for Resume.
	StatusInterrupted Status = "interrupted"
	// StatusCompleted means the workflow reached COMPLETED.
	StatusCompleted Status = "completed"
	// StatusFailed means the error node ran and errors remain.
	StatusFailed Status = "failed"
)

// Snapshot is the state of a thread at one checkpoint.
type Snapshot struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
	ParentID     string
	State        State
	// Next is the node that executes from this checkpoint. Empty when the
	// thread is finished.
	Next   string
	Status Status
	// Errors are the workflow errors recorded so far, verbatim.
	Errors   []string
	Metadata checkpoint.Metadata
	// ChannelVersions counts writes per state channel.
	ChannelVersions map[string]int64
	CreatedAt       time.Time
}

// Result is returned by calls that execute nodes.
type Result struct {
	Snapshot
	// Steps is the number of nodes executed by the call.
	Steps int
}

// Interrupted reports whether the thread waits for Resume.
func (s *Snapshot) Interrupted() bool { return s.Status == StatusInterrupted }

// Done reports whether the thread finished, successfully or not.
func (s *Snapshot) Done() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}
