/*
Package passage provides a resumable, checkpointed engine for stage-based
planning workflows.

# Overview

A workflow is a Graph: node functions keyed by id, a pure router that picks
the next node from the merged state, and a set of interrupt nodes the engine
suspends before. Every step is written to a checkpoint.Store before the next
one starts, so a thread survives process restarts and can be inspected at
any point of its history.

# Basic Usage

	backend, _ := checkpoint.NewSQLiteBackend("passage.db")
	l1, _ := cache.NewRistretto(64 << 20)
	store, _ := checkpoint.NewTieredStore(backend, checkpoint.WithCache(l1))
	engine, _ := passage.New(store)

	res, err := engine.Start(ctx, "thread-1", passage.State{
	    FamilyRequirements: map[string]any{"serviceType": "burial"},
	}, passage.StartOptions{FamilyID: "fam-7"})

# State and Reducers

State is a typed struct. Nodes return an Update that is merged field by
field: errors, collected documents, approvals and pending decisions are
appended; the requirement maps merge shallowly; the stage, agent and
required documents are replaced. Callers clear a channel by naming it in
Update.Reset:

	engine.UpdateState(ctx, "thread-1", passage.Update{
	    Reset: []passage.Channel{passage.ChannelErrors},
	})

# Routing

Route checks errors first, then pending decisions, then the stage table.
An unknown stage restarts at requirements gathering and is logged as a
fallback.

# Interrupts

Execution suspends before human_review and approval_process. The result
has StatusInterrupted; the caller answers with Resume, whose payload is
merged before the interrupt node runs:

	res, err = engine.Resume(ctx, "thread-1", passage.Update{
	    Approvals: []string{"family", "director", "venue"},
	    Reset:     []passage.Channel{passage.ChannelPendingDecisions},
	})

# Errors

Node errors and panics are recorded in State.Errors and route to the error
node; they are not returned. Engine calls return errors for invalid input
(ErrInvalidThreadID, ErrInvalidEntryState), thread state (ErrNoCheckpoint,
ErrNotInterrupted), the step limit (*MaxStepsError) and persistence
(*CheckpointError).
*/
package passage
