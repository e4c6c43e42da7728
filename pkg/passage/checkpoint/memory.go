package checkpoint

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryBackend is an in-memory durable tier for tests and ephemeral use.
// Data is lost when the process exits.
type MemoryBackend struct {
	mu      sync.RWMutex
	threads map[ThreadKey]map[string]Row // thread -> checkpoint id -> row
	closed  bool
}

// Compile-time interface check.
var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{threads: make(map[ThreadKey]map[string]Row)}
}

// copyRow detaches a row from caller or stored slices.
func copyRow(r Row) Row {
	r.Checkpoint = slices.Clone(r.Checkpoint)
	r.Metadata = slices.Clone(r.Metadata)
	return r
}

// newestFirst orders rows by timestamp, then id, descending.
func newestFirst(a, b Row) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.CheckpointID, a.CheckpointID)
}

// sorted returns the rows of a thread newest first. Caller holds mu.
func (m *MemoryBackend) sorted(key ThreadKey) []Row {
	rows := make([]Row, 0, len(m.threads[key]))
	for _, r := range m.threads[key] {
		rows = append(rows, r)
	}
	slices.SortFunc(rows, newestFirst)
	return rows
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	key := row.Key()
	if m.threads[key] == nil {
		m.threads[key] = make(map[string]Row)
	}
	m.threads[key][row.CheckpointID] = copyRow(row)
	return nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, threadID, namespace, checkpointID string) (*Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	row, ok := m.threads[ThreadKey{threadID, namespace}][checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyRow(row)
	return &out, nil
}

// Latest implements Backend.
func (m *MemoryBackend) Latest(_ context.Context, threadID, namespace string) (*Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	rows := m.sorted(ThreadKey{threadID, namespace})
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	out := copyRow(rows[0])
	return &out, nil
}

// List implements Backend.
func (m *MemoryBackend) List(_ context.Context, threadID, namespace string, q Query) ([]Row, error) {
	filter, err := normalizeFilter(q.Filter)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := []Row{}
	for _, r := range m.sorted(ThreadKey{threadID, namespace}) {
		ok, err := matchMetadata(&r, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, copyRow(r))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, threadID, namespace, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	key := ThreadKey{threadID, namespace}
	delete(m.threads[key], checkpointID)
	if len(m.threads[key]) == 0 {
		delete(m.threads, key)
	}
	return nil
}

// DeleteThread implements Backend.
func (m *MemoryBackend) DeleteThread(_ context.Context, threadID, namespace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	key := ThreadKey{threadID, namespace}
	ids := make([]string, 0, len(m.threads[key]))
	for id := range m.threads[key] {
		ids = append(ids, id)
	}
	delete(m.threads, key)
	slices.Sort(ids)
	return ids, nil
}

// Threads implements Backend.
func (m *MemoryBackend) Threads(_ context.Context) ([]ThreadKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]ThreadKey, 0, len(m.threads))
	for k := range m.threads {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b ThreadKey) int {
		if c := cmp.Compare(a.ThreadID, b.ThreadID); c != 0 {
			return c
		}
		return cmp.Compare(a.Namespace, b.Namespace)
	})
	return keys, nil
}

// Prune implements Backend.
func (m *MemoryBackend) Prune(_ context.Context, key ThreadKey, cutoff time.Time, keep int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var removed []string
	for i, r := range m.sorted(key) {
		expired := !cutoff.IsZero() && r.CreatedAt.Before(cutoff)
		excess := keep > 0 && i >= keep
		if expired || excess {
			delete(m.threads[key], r.CheckpointID)
			removed = append(removed, r.CheckpointID)
		}
	}
	if len(m.threads[key]) == 0 {
		delete(m.threads, key)
	}
	return removed, nil
}

// Stats implements Backend.
func (m *MemoryBackend) Stats(_ context.Context, threadID string) (*Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	stats := newStatistics()
	for key, rows := range m.threads {
		if threadID != "" && key.ThreadID != threadID {
			continue
		}
		for _, r := range rows {
			stats.TotalCheckpoints++
			stats.CheckpointsByThread[key.ThreadID]++
			stats.CheckpointsByStage[stageOf(r.Metadata)]++
		}
	}
	return stats, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.threads = nil
	return nil
}
