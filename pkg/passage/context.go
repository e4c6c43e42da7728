package passage

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/passage/pkg/passage/observability"
)

// Context provides execution context to nodes.
// It extends context.Context with the thread being executed and a logger
// enriched with thread_id, node and step.
type Context interface {
	context.Context

	// Logger returns the engine logger enriched with workflow context.
	// Never returns nil.
	Logger() *slog.Logger

	// ThreadID returns the thread being executed.
	ThreadID() string

	// NodeID returns the node being executed.
	NodeID() string

	// Step returns the step number of this execution on the thread.
	Step() int
}

// executionContext is the internal implementation of Context.
type executionContext struct {
	context.Context

	logger   *slog.Logger
	threadID string
	nodeID   string
	step     int
}

func (c *executionContext) Logger() *slog.Logger { return c.logger }
func (c *executionContext) ThreadID() string { return c.threadID }
func (c *executionContext) NodeID() string { return c.nodeID }
func (c *executionContext) Step() int { return c.step }

// newNodeContext builds the context handed to one node execution.
func newNodeContext(ctx context.Context, logger *slog.Logger, threadID, nodeID string, step int) *executionContext {
	return &executionContext{
		Context:  ctx,
		logger:   observability.EnrichLogger(logger, threadID, nodeID, step),
		threadID: threadID,
		nodeID:   nodeID,
		step:     step,
	}
}

// NewContext creates a Context for calling a NodeFunc outside the engine,
// for example in tests.
func NewContext(ctx context.Context, threadID, nodeID string, step int) Context {
	return newNodeContext(ctx, slog.Default(), threadID, nodeID, step)
}
