package passage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
)

// testClock is a fixed time source; the engine keeps timestamps increasing.
var testClock = func() time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

// newTestStore creates a tiered store over an in-memory backend.
func newTestStore(t *testing.T, opts ...checkpoint.Option) *checkpoint.TieredStore {
	t.Helper()
	store, err := checkpoint.NewTieredStore(checkpoint.NewMemoryBackend(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestEngine creates an engine over a fresh in-memory store.
func newTestEngine(t *testing.T, opts ...Option) (*Engine, *checkpoint.TieredStore) {
	t.Helper()
	store := newTestStore(t)
	opts = append([]Option{WithClock(testClock)}, opts...)
	e, err := New(store, opts...)
	require.NoError(t, err)
	return e, store
}

// entryState is an INITIAL state that passes the venue gate.
func entryState() State {
	return State{
		PlanningStage:      StageInitial,
		FamilyRequirements: map[string]any{"serviceType": "burial", "attendees": float64(80)},
		VenueRequirements:  map[string]any{KeySelectedVenue: "st-marks-chapel"},
	}
}

// allDocuments collects every default document.
func allDocuments() Update {
	return Update{
		DocumentsCollected: DefaultDocuments,
		Reset:              []Channel{ChannelPendingDecisions},
	}
}

// failingStore fails durable puts once armed.
type failingStore struct {
	checkpoint.Store

	mu      sync.Mutex
	putErr  error
	putSeen int
}

func (s *failingStore) Put(ctx context.Context, ref checkpoint.Ref, cp *checkpoint.Checkpoint, meta checkpoint.Metadata) (checkpoint.Ref, error) {
	s.mu.Lock()
	s.putSeen++
	err := s.putErr
	s.mu.Unlock()
	if err != nil {
		return checkpoint.Ref{}, err
	}
	return s.Store.Put(ctx, ref, cp, meta)
}

func (s *failingStore) arm(err error) {
	s.mu.Lock()
	s.putErr = err
	s.mu.Unlock()
}

// recordingMetrics counts engine metric calls.
type recordingMetrics struct {
	mu         sync.Mutex
	steps      []string
	stepErrors int
	runs       []string
	interrupts []string
}

func (m *recordingMetrics) RecordStep(_ context.Context, node string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, node)
	if err != nil {
		m.stepErrors++
	}
}

func (m *recordingMetrics) RecordRun(_ context.Context, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, status)
}

func (m *recordingMetrics) RecordInterrupt(_ context.Context, node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupts = append(m.interrupts, node)
}

func (m *recordingMetrics) RecordCheckpoint(context.Context, string, int64) {}
func (m *recordingMetrics) RecordCacheLookup(context.Context, bool) {}
func (m *recordingMetrics) RecordSweep(context.Context, int, int, time.Duration) {}
