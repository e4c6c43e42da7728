package passage

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"runtime/debug"
	"slices"
	"time"

	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
	"github.com/randalmurphal/passage/pkg/passage/observability"
)

// loop executes nodes from h until the thread finishes, reaches an
// interrupt, or hits the step limit. With resume set, the first node runs
// even though it is an interrupt.
//
// Execution flow per step:
//  1. Stop if the head has no next node or the next node is an interrupt
//  2. Check the step limit and cancellation
//  3. Execute the next node and merge its update
//  4. Route and persist the merged state as a new checkpoint
func (e *Engine) loop(ctx context.Context, threadID string, h *head, resume bool) (*head, int, error) {
	steps := 0
	for {
		next := h.next()
		if next == "" {
			return h, steps, nil
		}

		if e.graph.Interrupts[next] && !(resume && steps == 0) {
			e.cfg.metrics.RecordInterrupt(ctx, next)
			e.cfg.spans.AddSpanEvent(ctx, observability.EventInterrupt,
				observability.NodeKey.String(next),
				observability.CheckpointIDKey.String(h.tuple.Ref.CheckpointID),
			)
			observability.LogInterrupt(e.cfg.logger, threadID, next, h.tuple.Ref.CheckpointID)
			return h, steps, nil
		}

		if steps >= e.cfg.maxSteps {
			return h, steps, &MaxStepsError{Max: e.cfg.maxSteps, ThreadID: threadID, Next: next}
		}

		// Check for cancellation before executing node
		if err := ctx.Err(); err != nil {
			return h, steps, &CancellationError{ThreadID: threadID, Next: next, Cause: err}
		}

		nh, err := e.executeStep(ctx, threadID, h)
		if err != nil {
			return h, steps, err
		}
		h = nh
		steps++
	}
}

// executeStep runs the node named by h, merges its update, routes, and
// persists the result. Node failures become entries in the errors
// channel; only routing and persistence failures are returned.
func (e *Engine) executeStep(ctx context.Context, threadID string, h *head) (*head, error) {
	node := h.next()
	fn, ok := e.graph.Nodes[node]
	if !ok {
		return nil, &RouterError{Stage: h.state.PlanningStage, Returned: node, Err: ErrRouterTargetNotFound}
	}

	step := h.tuple.Metadata.Step + 1
	logger := e.cfg.logger.With("thread_id", threadID, "step", step)
	observability.LogStepStart(logger, node)

	stepCtx, span := e.cfg.spans.StartStepSpan(ctx, node, step)
	start := time.Now()

	update, nodeErr := e.runNode(stepCtx, fn, threadID, node, step, h.state.Clone())

	duration := time.Since(start)
	e.cfg.metrics.RecordStep(stepCtx, node, duration, nodeErr)
	e.cfg.spans.EndSpanWithError(span, nodeErr)

	if nodeErr != nil {
		var panicErr *PanicError
		if errors.As(nodeErr, &panicErr) {
			logger.Error("node panicked", "panic", panicErr.Value, "stack", panicErr.Stack)
		}
		observability.LogStepError(logger, node, nodeErr)
		e.cfg.spans.AddSpanEvent(ctx, observability.EventNodeError, observability.NodeKey.String(node))
		update = Update{Errors: []string{nodeErr.Error()}}
	}

	ts := e.tick(h)
	state, written := Apply(h.state, update, ts)
	route, err := e.route(threadID, state)
	if err != nil {
		return nil, err
	}
	e.cfg.spans.AddSpanEvent(ctx, observability.EventRoute,
		observability.NodeKey.String(node),
		observability.StageKey.String(string(state.PlanningStage)),
		observability.NextKey.String(route.Next),
		observability.FallbackKey.Bool(route.Fallback),
	)

	nh, err := e.persist(ctx, threadID, h, h.tuple.Metadata, state, written, SourceLoop, node, route.Next, ts)
	if err != nil {
		return nil, err
	}

	observability.LogStepComplete(logger, node, route.Next, float64(duration.Milliseconds()))
	return nh, nil
}

// runNode executes a node function with panic recovery.
func (e *Engine) runNode(ctx context.Context, fn NodeFunc, threadID, node string, step int, s State) (u Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			u = Update{}
			err = &PanicError{
				NodeID: node,
				Value:  r,
				Stack:  string(debug.Stack()),
			}
		}
	}()

	u, err = fn(newNodeContext(ctx, e.cfg.logger, threadID, node, step), s)
	if err != nil {
		return Update{}, &NodeError{NodeID: node, Err: err}
	}
	return u, nil
}

// route asks the graph for the node after s and checks it exists.
func (e *Engine) route(threadID string, s State) (RouteResult, error) {
	r := e.graph.next(s)
	if r.Fallback {
		observability.LogRouteFallback(e.cfg.logger.With("thread_id", threadID), string(s.PlanningStage), r.Next)
	}
	if r.Next != "" && !e.graph.HasNode(r.Next) {
		return r, &RouterError{Stage: s.PlanningStage, Returned: r.Next, Err: ErrRouterTargetNotFound}
	}
	return r, nil
}

// tick returns the timestamp for a new checkpoint. Timestamps are
// truncated to microseconds and strictly increase along a thread, so the
// latest checkpoint is well defined on every backend.
func (e *Engine) tick(parent *head) time.Time {
	now := e.cfg.now().UTC().Truncate(time.Microsecond)
	if parent != nil {
		if last := parent.tuple.Checkpoint.Timestamp; !now.After(last) {
			now = last.Add(time.Microsecond)
		}
	}
	return now
}

// persist saves state as a checkpoint following parent. A cache-tier
// failure is logged and ignored because the checkpoint is durable.
func (e *Engine) persist(ctx context.Context, threadID string, parent *head, base checkpoint.Metadata,
	state State, written []Channel, source, node, next string, ts time.Time) (*head, error) {
	values, err := json.Marshal(state)
	if err != nil {
		return nil, &CheckpointError{ThreadID: threadID, NodeID: node, Op: "encode", Err: err}
	}

	meta := base
	meta.Tags = slices.Clone(base.Tags)
	meta.Extra = maps.Clone(base.Extra)
	meta.Stage = string(state.PlanningStage)
	meta.Source = source
	meta.Next = next
	meta.Timestamp = ts
	meta.Version = checkpoint.FormatVersion
	meta.Step = 0

	cp := &checkpoint.Checkpoint{
		Version:       checkpoint.FormatVersion,
		Timestamp:     ts,
		ChannelValues: values,
	}
	var versions map[string]int64
	if parent != nil {
		cp.ParentID = parent.tuple.Ref.CheckpointID
		versions = parent.tuple.Checkpoint.ChannelVersions
		meta.Step = parent.tuple.Metadata.Step + 1
	}
	cp.ChannelVersions = bumpVersions(versions, written)

	ref, err := e.store.Put(ctx, e.ref(threadID), cp, meta)
	if err != nil {
		var tierErr *checkpoint.TierError
		if !errors.As(err, &tierErr) || tierErr.Tier != checkpoint.TierCache {
			observability.LogCheckpointError(e.cfg.logger, threadID, "save", err)
			return nil, &CheckpointError{ThreadID: threadID, NodeID: node, Op: "save", Err: err}
		}
		e.cfg.logger.Warn("checkpoint cache write failed, continuing with durable copy",
			"thread_id", threadID,
			"checkpoint_id", ref.CheckpointID,
			"error", err.Error(),
		)
	}

	cp.ID = ref.CheckpointID
	return &head{
		tuple: &checkpoint.Tuple{Ref: ref, Checkpoint: cp, Metadata: meta},
		state: state,
	}, nil
}
