package passage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
	"github.com/randalmurphal/passage/pkg/passage/observability"
)

// Checkpoint sources recorded in Metadata.Source.
const (
	SourceInput  = "input"
	SourceLoop   = "loop"
	SourceUpdate = "update"
	SourceResume = "resume"
)

// Engine executes a Graph against threads persisted in a checkpoint
// store. Every step is saved before the next one starts, so a thread can
// be continued by any Engine sharing the store.
//
// Calls on the same thread are serialized; different threads run
// concurrently.
type Engine struct {
	store checkpoint.Store
	graph Graph
	cfg   engineConfig
	locks threadLocks
}

// StartOptions describe a new thread. They are copied into the metadata
// of every checkpoint of the thread.
type StartOptions struct {
	// WorkflowID defaults to the thread id.
	WorkflowID string
	FamilyID   string
	ProviderID string
	Priority   string
	Tags       []string
	Extra      map[string]any
}

// New creates an engine over store. The default graph is used unless
// WithGraph is given.
func New(store checkpoint.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	g := DefaultGraph(cfg.nodes)
	if cfg.graph != nil {
		g = cfg.graph.clone()
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	return &Engine{store: store, graph: g, cfg: cfg}, nil
}

// Graph returns a copy of the graph the engine executes.
func (e *Engine) Graph() Graph {
	return e.graph.clone()
}

// Start creates a thread from an entry state, persists it as the input
// checkpoint and runs until an interrupt, the end, or the step limit.
//
// The entry state must be in StageInitial; an empty stage is treated as
// StageInitial.
func (e *Engine) Start(ctx context.Context, threadID string, initial State, opts StartOptions) (*Result, error) {
	if threadID == "" {
		return nil, ErrInvalidThreadID
	}
	if initial.PlanningStage == "" {
		initial.PlanningStage = StageInitial
	}
	if initial.PlanningStage != StageInitial {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidEntryState, initial.PlanningStage)
	}

	return e.invoke(ctx, "start", threadID, func(ctx context.Context) (*head, int, error) {
		if _, err := e.load(ctx, threadID, ""); err == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrThreadExists, threadID)
		} else if !errors.Is(err, ErrNoCheckpoint) {
			return nil, 0, err
		}

		ts := e.tick(nil)
		state, written := Apply(State{}, initial.asUpdate(), ts)
		route, err := e.route(threadID, state)
		if err != nil {
			return nil, 0, err
		}

		meta := checkpoint.Metadata{
			WorkflowID: opts.WorkflowID,
			FamilyID:   opts.FamilyID,
			ProviderID: opts.ProviderID,
			Priority:   opts.Priority,
			Tags:       slices.Clone(opts.Tags),
			Extra:      opts.Extra,
		}
		if meta.WorkflowID == "" {
			meta.WorkflowID = threadID
		}

		h, err := e.persist(ctx, threadID, nil, meta, state, written, SourceInput, "", route.Next, ts)
		if err != nil {
			return nil, 0, err
		}
		return e.loop(ctx, threadID, h, false)
	})
}

// Run continues a thread from its latest checkpoint until an interrupt,
// the end, or the step limit. Running a finished or interrupted thread
// executes nothing.
func (e *Engine) Run(ctx context.Context, threadID string) (*Result, error) {
	return e.invoke(ctx, "run", threadID, func(ctx context.Context) (*head, int, error) {
		h, err := e.load(ctx, threadID, "")
		if err != nil {
			return nil, 0, err
		}
		return e.loop(ctx, threadID, h, false)
	})
}

// Step executes exactly one node from the latest checkpoint. It does not
// pass interrupts; use Resume for those.
func (e *Engine) Step(ctx context.Context, threadID string) (*Result, error) {
	return e.invoke(ctx, "step", threadID, func(ctx context.Context) (*head, int, error) {
		h, err := e.load(ctx, threadID, "")
		if err != nil {
			return nil, 0, err
		}
		next := h.next()
		if next == "" || e.graph.Interrupts[next] {
			return h, 0, nil
		}
		nh, err := e.executeStep(ctx, threadID, h)
		if err != nil {
			return h, 0, err
		}
		return nh, 1, nil
	})
}

// Resume continues a thread suspended before an interrupt node. The
// payload is merged into the state and saved as a resume checkpoint, then
// the interrupt node executes and the run continues. If the merged state
// has errors the interrupt node is skipped and the thread routes to the
// error handler instead.
//
// Returns ErrNotInterrupted if the thread isn't waiting on an interrupt.
func (e *Engine) Resume(ctx context.Context, threadID string, payload Update) (*Result, error) {
	return e.invoke(ctx, "resume", threadID, func(ctx context.Context) (*head, int, error) {
		h, err := e.load(ctx, threadID, "")
		if err != nil {
			return nil, 0, err
		}
		next := h.next()
		if !e.graph.Interrupts[next] {
			return h, 0, fmt.Errorf("%w: thread %s next node is %q", ErrNotInterrupted, threadID, next)
		}

		ts := e.tick(h)
		state, written := Apply(h.state, payload, ts)

		// A payload carrying errors skips the interrupt node; errors
		// always route to the error handler.
		force := len(state.Errors) == 0
		if !force {
			route, err := e.route(threadID, state)
			if err != nil {
				return h, 0, err
			}
			next = route.Next
		}

		nh, err := e.persist(ctx, threadID, h, h.tuple.Metadata, state, written, SourceResume, "", next, ts)
		if err != nil {
			return h, 0, err
		}
		return e.loop(ctx, threadID, nh, force)
	})
}

// UpdateState merges an external update into the latest state, for
// example to clear errors with Reset, and saves it as an update
// checkpoint. The next node is routed again; no node executes.
func (e *Engine) UpdateState(ctx context.Context, threadID string, u Update) (*Snapshot, error) {
	res, err := e.invoke(ctx, "update_state", threadID, func(ctx context.Context) (*head, int, error) {
		h, err := e.load(ctx, threadID, "")
		if err != nil {
			return nil, 0, err
		}

		ts := e.tick(h)
		state, written := Apply(h.state, u, ts)
		route, err := e.route(threadID, state)
		if err != nil {
			return h, 0, err
		}
		nh, err := e.persist(ctx, threadID, h, h.tuple.Metadata, state, written, SourceUpdate, "", route.Next, ts)
		if err != nil {
			return h, 0, err
		}
		return nh, 0, nil
	})
	if res == nil {
		return nil, err
	}
	return &res.Snapshot, err
}

// Snapshot returns the latest state of a thread.
func (e *Engine) Snapshot(ctx context.Context, threadID string) (*Snapshot, error) {
	return e.SnapshotAt(ctx, threadID, "")
}

// SnapshotAt returns the state of a thread at one checkpoint. An empty
// checkpointID means the latest.
func (e *Engine) SnapshotAt(ctx context.Context, threadID, checkpointID string) (*Snapshot, error) {
	if threadID == "" {
		return nil, ErrInvalidThreadID
	}
	h, err := e.load(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	s := e.snapshot(h)
	return &s, nil
}

// History returns the checkpoints of a thread newest first.
func (e *Engine) History(ctx context.Context, threadID string, opts checkpoint.ListOptions) ([]Snapshot, error) {
	if threadID == "" {
		return nil, ErrInvalidThreadID
	}
	tuples, err := e.store.List(ctx, e.ref(threadID), opts)
	if err != nil {
		return nil, &CheckpointError{ThreadID: threadID, Op: "list", Err: err}
	}

	out := make([]Snapshot, 0, len(tuples))
	for i := range tuples {
		h, err := e.decode(threadID, &tuples[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e.snapshot(h))
	}
	return out, nil
}

// invoke wraps an engine call with validation, the thread lock, the run
// span, metrics and logging.
func (e *Engine) invoke(ctx context.Context, op, threadID string, body func(ctx context.Context) (*head, int, error)) (res *Result, err error) {
	if threadID == "" {
		return nil, ErrInvalidThreadID
	}

	unlock := e.locks.lock(threadID)
	defer unlock()

	start := time.Now()
	observability.LogRunStart(e.cfg.logger, threadID, op)

	ctx, span := e.cfg.spans.StartRunSpan(ctx, op, threadID)
	defer func() {
		e.cfg.spans.EndSpanWithError(span, err)
	}()

	h, steps, err := body(ctx)
	if h != nil {
		res = &Result{Snapshot: e.snapshot(h), Steps: steps}
	}

	duration := time.Since(start)
	durationMs := float64(duration.Milliseconds())

	if err != nil {
		e.cfg.metrics.RecordRun(ctx, "error", duration)
		observability.LogRunError(e.cfg.logger, threadID, err, durationMs)
		return res, err
	}

	e.cfg.metrics.RecordRun(ctx, string(res.Status), duration)
	observability.LogRunComplete(e.cfg.logger, threadID, string(res.Status), durationMs, steps)
	return res, nil
}

// head is a loaded checkpoint together with its decoded state.
type head struct {
	tuple *checkpoint.Tuple
	state State
}

func (h *head) next() string {
	return h.tuple.Metadata.Next
}

func (e *Engine) ref(threadID string) checkpoint.Ref {
	return checkpoint.Ref{ThreadID: threadID, Namespace: e.cfg.namespace}
}

// load reads a checkpoint of a thread; the latest when checkpointID is empty.
func (e *Engine) load(ctx context.Context, threadID, checkpointID string) (*head, error) {
	t, err := e.store.Get(ctx, e.ref(threadID).WithID(checkpointID))
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, threadID)
	}
	if err != nil {
		return nil, &CheckpointError{ThreadID: threadID, Op: "load", Err: err}
	}
	return e.decode(threadID, t)
}

func (e *Engine) decode(threadID string, t *checkpoint.Tuple) (*head, error) {
	var s State
	if err := json.Unmarshal(t.Checkpoint.ChannelValues, &s); err != nil {
		return nil, &CheckpointError{
			ThreadID: threadID,
			Op:       "decode",
			Err:      fmt.Errorf("%w: %v", checkpoint.ErrCorrupt, err),
		}
	}
	return &head{tuple: t, state: s}, nil
}

// snapshot builds the caller view of a head.
func (e *Engine) snapshot(h *head) Snapshot {
	t := h.tuple
	return Snapshot{
		ThreadID:        t.Ref.ThreadID,
		Namespace:       t.Ref.Namespace,
		CheckpointID:    t.Ref.CheckpointID,
		ParentID:        t.Checkpoint.ParentID,
		State:           h.state,
		Next:            t.Metadata.Next,
		Status:          e.status(h.state, t.Metadata.Next),
		Errors:          slices.Clone(h.state.Errors),
		Metadata:        t.Metadata,
		ChannelVersions: t.Checkpoint.ChannelVersions,
		CreatedAt:       t.Checkpoint.Timestamp,
	}
}

func (e *Engine) status(s State, next string) Status {
	switch {
	case next == "" && (s.PlanningStage == StageError || len(s.Errors) > 0):
		return StatusFailed
	case next == "":
		return StatusCompleted
	case e.graph.Interrupts[next]:
		return StatusInterrupted
	default:
		return StatusRunning
	}
}
