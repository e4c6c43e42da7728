// Package checkpoint persists workflow snapshots for crash recovery,
// human-in-the-loop pauses and audit.
//
// A Store writes every checkpoint to a durable Backend first and then to a
// cache tier. The durable tier is the only source of truth for ordering,
// listing and statistics; the cache only serves exact-id reads.
package checkpoint

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// FormatVersion is the current checkpoint format version.
// Increment when making breaking changes to the Checkpoint structure.
const FormatVersion = 1

// Checkpoint is an immutable snapshot of workflow state at one point in
// the thread's history.
type Checkpoint struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Version   int       `json:"v"`
	Timestamp time.Time `json:"ts"`

	// ChannelValues is the serialized workflow state.
	ChannelValues json.RawMessage `json:"channel_values"`

	// ChannelVersions counts writes per state channel.
	ChannelVersions map[string]int64 `json:"channel_versions"`

	// PendingSends are writes queued for the next step.
	PendingSends []PendingSend `json:"pending_sends"`
}

// PendingSend is a value queued for a channel.
type PendingSend struct {
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// Clone returns a deep copy of c.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.ChannelValues = slices.Clone(c.ChannelValues)
	out.ChannelVersions = maps.Clone(c.ChannelVersions)
	if c.PendingSends != nil {
		out.PendingSends = make([]PendingSend, len(c.PendingSends))
		for i, s := range c.PendingSends {
			out.PendingSends[i] = PendingSend{Channel: s.Channel, Value: slices.Clone(s.Value)}
		}
	}
	return &out
}

// Metadata describes a checkpoint for filtering and audit. It is always
// stored together with its checkpoint.
type Metadata struct {
	WorkflowID string    `json:"workflow_id,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	FamilyID   string    `json:"family_id,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Version    int       `json:"version"`

	// Source is how the checkpoint was produced: input, loop, update or resume.
	Source string `json:"source,omitempty"`
	// Step counts engine steps on the thread.
	Step int `json:"step"`
	// Next is the node the engine will execute from this checkpoint.
	Next string `json:"next,omitempty"`
	// Extra holds caller-supplied fields. Numbers read back from a store
	// are json.Number, so integers keep their exact value.
	Extra map[string]any `json:"extra,omitempty"`
}

// Ref addresses a checkpoint. An empty CheckpointID means "latest" on
// reads and "all" on deletes.
type Ref struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// WithID returns a copy of r addressing checkpoint id.
func (r Ref) WithID(id string) Ref {
	r.CheckpointID = id
	return r
}

// Validate reports ErrInvalidRef when the thread id is missing.
func (r Ref) Validate() error {
	if r.ThreadID == "" {
		return ErrInvalidRef
	}
	return nil
}

// Tuple is a checkpoint with its metadata and addressing.
type Tuple struct {
	Ref        Ref         `json:"ref"`
	Checkpoint *Checkpoint `json:"checkpoint"`
	Metadata   Metadata    `json:"metadata"`
	Parent     *Ref        `json:"parent,omitempty"`
}

// ThreadKey identifies one thread history.
type ThreadKey struct {
	ThreadID  string
	Namespace string
}

// Statistics aggregates checkpoint counts from the durable tier.
type Statistics struct {
	TotalCheckpoints    int64            `json:"total_checkpoints"`
	CheckpointsByThread map[string]int64 `json:"checkpoints_by_thread"`
	CheckpointsByStage  map[string]int64 `json:"checkpoints_by_stage"`
}
