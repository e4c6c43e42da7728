package passage

import (
	"errors"
	"fmt"
	"maps"
)

// NodeFunc executes one workflow step. It receives a copy of the current
// state and returns the partial update to merge. A returned error is
// recorded in the errors channel, not propagated to the caller.
type NodeFunc func(ctx Context, s State) (Update, error)

// Graph is the workflow definition interpreted by the Engine.
type Graph struct {
	// Nodes maps node ids to their functions.
	Nodes map[string]NodeFunc

	// Router picks the node that follows each step.
	Router RouterFunc

	// Interrupts are nodes the engine suspends before. They only execute
	// from Engine.Resume.
	Interrupts map[string]bool

	// Terminals maps a node to the stage it leaves the workflow in. When
	// the router picks a terminal node and the state is already in its
	// stage, the thread is finished.
	Terminals map[string]Stage
}

// Graph validation errors.
var (
	// ErrNoRouter indicates a graph without a router.
	ErrNoRouter = errors.New("graph has no router")

	// ErrNodeNotFound indicates a node id that the graph doesn't define.
	ErrNodeNotFound = errors.New("node not found")
)

// DefaultGraph returns the planning workflow: one node per stage plus
// human review, routed by Route, suspending before human review and the
// approval process.
func DefaultGraph(cfg NodeConfig) Graph {
	n := builtinNodes{cfg: cfg.withDefaults()}
	return Graph{
		Nodes: map[string]NodeFunc{
			NodeRequirementsGathering: n.requirementsGathering,
			NodeCulturalAssessment:    n.culturalAssessment,
			NodeDocumentCollection:    n.documentCollection,
			NodeVenueSelection:        n.venueSelection,
			NodeServicePlanning:       n.servicePlanning,
			NodeApprovalProcess:       n.approvalProcess,
			NodeCoordination:          n.coordination,
			NodeCompleted:             n.completed,
			NodeErrorHandler:          n.errorHandler,
			NodeHumanReview:           n.humanReview,
		},
		Router: Route,
		Interrupts: map[string]bool{
			NodeHumanReview:     true,
			NodeApprovalProcess: true,
		},
		Terminals: map[string]Stage{
			NodeCompleted:    StageCompleted,
			NodeErrorHandler: StageError,
		},
	}
}

// Validate checks that every interrupt and terminal names a defined node.
func (g Graph) Validate() error {
	if g.Router == nil {
		return ErrNoRouter
	}
	var errs []error
	for id := range g.Nodes {
		if g.Nodes[id] == nil {
			errs = append(errs, fmt.Errorf("node %s: nil function", id))
		}
	}
	for id := range g.Interrupts {
		if _, ok := g.Nodes[id]; !ok {
			errs = append(errs, fmt.Errorf("interrupt %s: %w", id, ErrNodeNotFound))
		}
	}
	for id := range g.Terminals {
		if _, ok := g.Nodes[id]; !ok {
			errs = append(errs, fmt.Errorf("terminal %s: %w", id, ErrNodeNotFound))
		}
	}
	return errors.Join(errs...)
}

// HasNode reports whether the graph defines id.
func (g Graph) HasNode(id string) bool {
	_, ok := g.Nodes[id]
	return ok
}

// next routes s and resolves terminal nodes. An empty Next means the
// thread is finished.
func (g Graph) next(s State) RouteResult {
	r := g.Router(s)
	if stage, ok := g.Terminals[r.Next]; ok && s.PlanningStage == stage {
		r.Next = ""
	}
	return r
}

// clone returns a graph whose maps can be modified independently.
func (g Graph) clone() Graph {
	g.Nodes = maps.Clone(g.Nodes)
	g.Interrupts = maps.Clone(g.Interrupts)
	g.Terminals = maps.Clone(g.Terminals)
	return g
}
