package checkpoint_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
)

// memCache is a map-backed cache with failure injection.
type memCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet error
	failSet error
	failDel error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet != nil {
		return nil, false, c.failGet
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSet != nil {
		return c.failSet
	}
	c.data[key] = val
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failDel != nil {
		return c.failDel
	}
	delete(c.data, key)
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

func (c *memCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// spyBackend counts durable calls and injects failures.
type spyBackend struct {
	checkpoint.Backend

	mu        sync.Mutex
	calls     int
	failPut   error
	failGet   error
	failPrune map[string]error
	// afterGet runs after every successful durable Get.
	afterGet func()
}

func newSpyBackend() *spyBackend {
	return &spyBackend{Backend: checkpoint.NewMemoryBackend(), failPrune: map[string]error{}}
}

func (b *spyBackend) count() {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
}

func (b *spyBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *spyBackend) Put(ctx context.Context, row checkpoint.Row) error {
	b.count()
	if b.failPut != nil {
		return b.failPut
	}
	return b.Backend.Put(ctx, row)
}

func (b *spyBackend) Get(ctx context.Context, thread, ns, id string) (*checkpoint.Row, error) {
	b.count()
	if b.failGet != nil {
		return nil, b.failGet
	}
	r, err := b.Backend.Get(ctx, thread, ns, id)
	if err == nil && b.afterGet != nil {
		b.afterGet()
	}
	return r, err
}

func (b *spyBackend) Latest(ctx context.Context, thread, ns string) (*checkpoint.Row, error) {
	b.count()
	return b.Backend.Latest(ctx, thread, ns)
}

func (b *spyBackend) List(ctx context.Context, thread, ns string, q checkpoint.Query) ([]checkpoint.Row, error) {
	b.count()
	return b.Backend.List(ctx, thread, ns, q)
}

func (b *spyBackend) Delete(ctx context.Context, thread, ns, id string) error {
	b.count()
	return b.Backend.Delete(ctx, thread, ns, id)
}

func (b *spyBackend) DeleteThread(ctx context.Context, thread, ns string) ([]string, error) {
	b.count()
	return b.Backend.DeleteThread(ctx, thread, ns)
}

func (b *spyBackend) Prune(ctx context.Context, key checkpoint.ThreadKey, cutoff time.Time, keep int) ([]string, error) {
	b.count()
	if err := b.failPrune[key.ThreadID]; err != nil {
		return nil, err
	}
	return b.Backend.Prune(ctx, key, cutoff, keep)
}

func newTestStore(t *testing.T, opts ...checkpoint.Option) (*checkpoint.TieredStore, *spyBackend, *memCache) {
	t.Helper()
	backend := newSpyBackend()
	c := newMemCache()
	opts = append([]checkpoint.Option{checkpoint.WithCache(c)}, opts...)
	store, err := checkpoint.NewTieredStore(backend, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, backend, c
}

func sampleCheckpoint(id string, offset int) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		ID:              id,
		Timestamp:       base.Add(time.Duration(offset) * time.Minute),
		ChannelValues:   json.RawMessage(`{"planningStage":"VENUE_SELECTION","approvals":["family"]}`),
		ChannelVersions: map[string]int64{"planningStage": 3, "approvals": 1},
		PendingSends:    []checkpoint.PendingSend{{Channel: "errors", Value: json.RawMessage(`"boom"`)}},
	}
}

func sampleMetadata(stage string) checkpoint.Metadata {
	return checkpoint.Metadata{
		WorkflowID: "wf-1",
		Stage:      stage,
		FamilyID:   "fam-7",
		ProviderID: "prov-2",
		Priority:   "high",
		Tags:       []string{"burial", "urgent"},
		Source:     "loop",
		Step:       4,
		Next:       "service_planning",
		Extra:      map[string]any{"region": "north"},
	}
}

func TestTieredStore_RoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			store, backend, c := newTestStore(t, checkpoint.WithCompression(compress))
			ref := checkpoint.Ref{ThreadID: "thread-1"}
			cp := sampleCheckpoint("cp-1", 0)
			meta := sampleMetadata("VENUE_SELECTION")

			got, err := store.Put(ctx, ref, cp, meta)
			require.NoError(t, err)
			assert.Equal(t, ref.WithID("cp-1"), got)

			want := cp.Clone()
			want.Version = checkpoint.FormatVersion
			wantMeta := meta
			wantMeta.Timestamp = cp.Timestamp
			wantMeta.Version = checkpoint.FormatVersion

			// Served from the cache.
			assert.Equal(t, 1, c.len())
			tuple, err := store.Get(ctx, got)
			require.NoError(t, err)
			assert.Equal(t, want, tuple.Checkpoint)
			assert.Equal(t, wantMeta, tuple.Metadata)
			assert.Equal(t, got, tuple.Ref)

			// Served from the durable tier.
			c.data = map[string][]byte{}
			tuple, err = store.Get(ctx, got)
			require.NoError(t, err)
			assert.Equal(t, want, tuple.Checkpoint)
			assert.Equal(t, wantMeta, tuple.Metadata)

			row, err := backend.Backend.Get(ctx, "thread-1", "", "cp-1")
			require.NoError(t, err)
			if compress {
				assert.Equal(t, checkpoint.EncodingZstd, row.Encoding)
			} else {
				assert.Equal(t, checkpoint.EncodingJSON, row.Encoding)
			}
		})
	}
}

func TestTieredStore_Put_DoesNotMutateInput(t *testing.T) {
	store, _, _ := newTestStore(t)
	cp := &checkpoint.Checkpoint{}

	ref, err := store.Put(context.Background(), checkpoint.Ref{ThreadID: "t"}, cp, checkpoint.Metadata{})
	require.NoError(t, err)
	assert.NotEmpty(t, ref.CheckpointID)
	assert.Empty(t, cp.ID)
	assert.True(t, cp.Timestamp.IsZero())
}

func TestTieredStore_Put_Defaults(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.FixedZone("X", 3600))
	store, _, _ := newTestStore(t, checkpoint.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ref, err := store.Put(ctx, checkpoint.Ref{ThreadID: "t"}, &checkpoint.Checkpoint{}, checkpoint.Metadata{})
	require.NoError(t, err)
	_, err = uuid.Parse(ref.CheckpointID)
	assert.NoError(t, err)

	tuple, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ref.CheckpointID, tuple.Checkpoint.ID)
	assert.Equal(t, checkpoint.FormatVersion, tuple.Checkpoint.Version)
	assert.True(t, tuple.Checkpoint.Timestamp.Equal(now))
	assert.Equal(t, time.UTC, tuple.Checkpoint.Timestamp.Location())
	assert.JSONEq(t, `{}`, string(tuple.Checkpoint.ChannelValues))
	assert.True(t, tuple.Metadata.Timestamp.Equal(now))
}

func TestTieredStore_Put_IDFromRef(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := store.Put(ctx, checkpoint.Ref{ThreadID: "t", CheckpointID: "from-ref"}, &checkpoint.Checkpoint{}, checkpoint.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "from-ref", ref.CheckpointID)

	_, err = store.Put(ctx, checkpoint.Ref{ThreadID: "t", CheckpointID: "a"}, &checkpoint.Checkpoint{ID: "b"}, checkpoint.Metadata{})
	assert.ErrorIs(t, err, checkpoint.ErrInvalidRef)
}

func TestTieredStore_ValidationBeforeIO(t *testing.T) {
	store, backend, c := newTestStore(t)
	ctx := context.Background()
	empty := checkpoint.Ref{}

	_, err := store.Put(ctx, empty, sampleCheckpoint("x", 0), checkpoint.Metadata{})
	assert.ErrorIs(t, err, checkpoint.ErrInvalidRef)

	_, err = store.Put(ctx, checkpoint.Ref{ThreadID: "t"}, nil, checkpoint.Metadata{})
	assert.ErrorIs(t, err, checkpoint.ErrNilCheckpoint)

	_, err = store.Get(ctx, empty)
	assert.ErrorIs(t, err, checkpoint.ErrInvalidRef)

	_, err = store.List(ctx, empty, checkpoint.ListOptions{})
	assert.ErrorIs(t, err, checkpoint.ErrInvalidRef)

	assert.ErrorIs(t, store.Delete(ctx, empty), checkpoint.ErrInvalidRef)

	assert.Equal(t, 0, backend.Calls())
	assert.Equal(t, 0, c.len())
}

func TestTieredStore_Get_NotFound(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, checkpoint.Ref{ThreadID: "nobody"})
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	_, err = store.Get(ctx, checkpoint.Ref{ThreadID: "nobody", CheckpointID: "x"})
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestTieredStore_Get_Latest(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	ref := checkpoint.Ref{ThreadID: "t"}

	for i, id := range []string{"b", "c", "a"} {
		_, err := store.Put(ctx, ref, sampleCheckpoint(id, []int{5, 1, 3}[i]), sampleMetadata("S"))
		require.NoError(t, err)
	}

	tuple, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "b", tuple.Checkpoint.ID)
}

func TestTieredStore_Get_Backfill(t *testing.T) {
	store, backend, c := newTestStore(t)
	ctx := context.Background()

	r := row("t", "", "cp-1", 0, "INITIAL")
	r.Checkpoint = []byte(`{"id":"cp-1","v":1,"ts":"2026-03-01T09:00:00Z","channel_values":{}}`)
	require.NoError(t, backend.Backend.Put(ctx, r))

	_, err := store.Get(ctx, checkpoint.Ref{ThreadID: "t", CheckpointID: "cp-1"})
	require.NoError(t, err)
	assert.True(t, c.has("passage:checkpoint:1:t:0::cp-1"))
}

func TestTieredStore_Get_BackfillRacingDelete(t *testing.T) {
	store, backend, c := newTestStore(t)
	ctx := context.Background()

	r := row("t", "", "cp-1", 0, "INITIAL")
	r.Checkpoint = []byte(`{"id":"cp-1","v":1,"ts":"2026-03-01T09:00:00Z","channel_values":{}}`)
	require.NoError(t, backend.Backend.Put(ctx, r))

	// The checkpoint is deleted after the durable read but before the
	// backfill lands.
	deleted := false
	backend.afterGet = func() {
		if !deleted {
			deleted = true
			require.NoError(t, backend.Backend.Delete(ctx, "t", "", "cp-1"))
		}
	}

	ref := checkpoint.Ref{ThreadID: "t", CheckpointID: "cp-1"}
	tuple, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", tuple.Checkpoint.ID)
	assert.False(t, c.has("passage:checkpoint:1:t:0::cp-1"))

	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestTieredStore_Get_CorruptCacheEntryFallsThrough(t *testing.T) {
	store, _, c := newTestStore(t)
	ctx := context.Background()

	ref, err := store.Put(ctx, checkpoint.Ref{ThreadID: "t"}, sampleCheckpoint("cp-1", 0), sampleMetadata("S"))
	require.NoError(t, err)

	key := "passage:checkpoint:1:t:0::cp-1"
	require.True(t, c.has(key))
	c.data[key] = []byte("not json")

	tuple, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", tuple.Checkpoint.ID)

	// Backfilled with a valid entry after eviction.
	assert.NotEqual(t, "not json", string(c.data[key]))
}

func TestTieredStore_CacheKeysDoNotCollide(t *testing.T) {
	store, _, c := newTestStore(t)
	ctx := context.Background()

	refA := checkpoint.Ref{ThreadID: "a:b", CheckpointID: "c"}
	refB := checkpoint.Ref{ThreadID: "a", Namespace: "b:", CheckpointID: "c"}

	_, err := store.Put(ctx, refA, sampleCheckpoint("c", 0), sampleMetadata("A"))
	require.NoError(t, err)
	_, err = store.Put(ctx, refB, sampleCheckpoint("c", 1), sampleMetadata("B"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.len())

	tuple, err := store.Get(ctx, refA)
	require.NoError(t, err)
	assert.Equal(t, "A", tuple.Metadata.Stage)
	assert.Equal(t, refA, tuple.Ref)

	tuple, err = store.Get(ctx, refB)
	require.NoError(t, err)
	assert.Equal(t, "B", tuple.Metadata.Stage)
	assert.Equal(t, refB, tuple.Ref)

	require.NoError(t, store.Delete(ctx, refA))
	_, err = store.Get(ctx, refA)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, err = store.Get(ctx, refB)
	assert.NoError(t, err)
}

func TestTieredStore_Get_CorruptDurable(t *testing.T) {
	store, backend, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		payload  string
		encoding string
		sentinel error
	}{
		{"garbage", `{{{`, checkpoint.EncodingJSON, checkpoint.ErrCorrupt},
		{"bad zstd", `not zstd`, checkpoint.EncodingZstd, checkpoint.ErrCorrupt},
		{"unknown encoding", `{"id":"x"}`, "lz4", checkpoint.ErrCorrupt},
		{"id mismatch", `{"id":"other","v":1}`, checkpoint.EncodingJSON, checkpoint.ErrCorrupt},
		{"newer version", `{"id":"x","v":99}`, checkpoint.EncodingJSON, checkpoint.ErrVersionMismatch},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thread := fmt.Sprintf("t%d", i)
			r := row(thread, "", "x", 0, "S")
			r.Checkpoint = []byte(tt.payload)
			r.Encoding = tt.encoding
			require.NoError(t, backend.Backend.Put(ctx, r))

			_, err := store.Get(ctx, checkpoint.Ref{ThreadID: thread, CheckpointID: "x"})
			require.Error(t, err)
			var decErr *checkpoint.DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.Equal(t, thread, decErr.ThreadID)
			assert.Equal(t, "x", decErr.CheckpointID)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.NotErrorIs(t, err, checkpoint.ErrNotFound)
		})
	}
}

func TestTieredStore_Put_DurableFailure(t *testing.T) {
	store, backend, c := newTestStore(t)
	backend.failPut = errors.New("disk full")

	_, err := store.Put(context.Background(), checkpoint.Ref{ThreadID: "t"}, sampleCheckpoint("cp-1", 0), checkpoint.Metadata{})
	var tierErr *checkpoint.TierError
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, checkpoint.TierDurable, tierErr.Tier)
	assert.Equal(t, "put", tierErr.Op)
	assert.Equal(t, 0, c.len(), "cache must not be written when durable write fails")
}

func TestTieredStore_Put_CacheFailure(t *testing.T) {
	store, _, c := newTestStore(t)
	c.failSet = errors.New("cache down")
	ctx := context.Background()

	ref, err := store.Put(ctx, checkpoint.Ref{ThreadID: "t"}, sampleCheckpoint("cp-1", 0), checkpoint.Metadata{})
	var tierErr *checkpoint.TierError
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, checkpoint.TierCache, tierErr.Tier)
	assert.Equal(t, "cp-1", ref.CheckpointID)

	tuple, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", tuple.Checkpoint.ID)
}

func TestTieredStore_Get_CacheFailure(t *testing.T) {
	store, _, c := newTestStore(t)
	ctx := context.Background()

	ref, err := store.Put(ctx, checkpoint.Ref{ThreadID: "t"}, sampleCheckpoint("cp-1", 0), checkpoint.Metadata{})
	require.NoError(t, err)

	c.failGet = errors.New("cache down")
	_, err = store.Get(ctx, ref)
	var tierErr *checkpoint.TierError
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, checkpoint.TierCache, tierErr.Tier)

	// Latest reads never consult the cache.
	tuple, err := store.Get(ctx, ref.WithID(""))
	require.NoError(t, err)
	assert.Equal(t, "cp-1", tuple.Checkpoint.ID)
}

func TestTieredStore_List(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	ref := checkpoint.Ref{ThreadID: "t"}

	stages := []string{"INITIAL", "VENUE_SELECTION", "SERVICE_PLANNING", "VENUE_SELECTION"}
	for i, stage := range stages {
		_, err := store.Put(ctx, ref, sampleCheckpoint(fmt.Sprintf("cp-%d", i), i), sampleMetadata(stage))
		require.NoError(t, err)
	}

	all, err := store.List(ctx, ref, checkpoint.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "cp-3", all[0].Checkpoint.ID)
	assert.Equal(t, "cp-0", all[3].Checkpoint.ID)

	venue, err := store.List(ctx, ref, checkpoint.ListOptions{Filter: map[string]any{"stage": "VENUE_SELECTION"}})
	require.NoError(t, err)
	require.Len(t, venue, 2)
	assert.Equal(t, "cp-3", venue[0].Checkpoint.ID)
	assert.Equal(t, "cp-1", venue[1].Checkpoint.ID)

	limited, err := store.List(ctx, ref, checkpoint.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := store.List(ctx, checkpoint.Ref{ThreadID: "other"}, checkpoint.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTieredStore_List_CorruptMetadata(t *testing.T) {
	backends := map[string]func(t *testing.T) checkpoint.Backend{
		"memory": func(t *testing.T) checkpoint.Backend { return checkpoint.NewMemoryBackend() },
		"sqlite": func(t *testing.T) checkpoint.Backend {
			b, err := checkpoint.NewSQLiteBackend(":memory:")
			require.NoError(t, err)
			return b
		},
	}

	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			backend := factory(t)
			store, err := checkpoint.NewTieredStore(backend)
			require.NoError(t, err)
			defer store.Close()

			ctx := context.Background()
			bad := row("t", "", "bad", 1, "X")
			bad.Metadata = []byte("{not json")
			require.NoError(t, backend.Put(ctx, row("t", "", "good", 0, "X")))
			require.NoError(t, backend.Put(ctx, bad))

			ref := checkpoint.Ref{ThreadID: "t"}
			for _, opts := range []checkpoint.ListOptions{{}, {Filter: map[string]any{"stage": "X"}}} {
				_, err := store.List(ctx, ref, opts)
				assert.ErrorIs(t, err, checkpoint.ErrCorrupt, "filter %v", opts.Filter)
				var decodeErr *checkpoint.DecodeError
				if assert.ErrorAs(t, err, &decodeErr) {
					assert.Equal(t, "bad", decodeErr.CheckpointID)
				}
			}
		})
	}
}

func TestTieredStore_Delete(t *testing.T) {
	store, _, c := newTestStore(t)
	ctx := context.Background()
	ref := checkpoint.Ref{ThreadID: "t"}

	for i := range 3 {
		_, err := store.Put(ctx, ref, sampleCheckpoint(fmt.Sprintf("cp-%d", i), i), checkpoint.Metadata{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.len())

	require.NoError(t, store.Delete(ctx, ref.WithID("cp-1")))
	require.NoError(t, store.Delete(ctx, ref.WithID("cp-1")))
	assert.False(t, c.has("passage:checkpoint:1:t:0::cp-1"))

	_, err := store.Get(ctx, ref.WithID("cp-1"))
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	require.NoError(t, store.Delete(ctx, ref))
	assert.Equal(t, 0, c.len())
	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	require.NoError(t, store.Delete(ctx, ref))
}

func TestTieredStore_Cleanup(t *testing.T) {
	now := base.Add(time.Hour)
	store, backend, c := newTestStore(t,
		checkpoint.WithClock(func() time.Time { return now }),
		checkpoint.WithRetention(checkpoint.Retention{MaxAge: 30 * time.Minute, MaxCheckpoints: 2}),
		checkpoint.WithCleanupConcurrency(2),
	)
	ctx := context.Background()

	// Thread "old": everything older than 30 minutes.
	for i := range 3 {
		_, err := store.Put(ctx, checkpoint.Ref{ThreadID: "old"}, sampleCheckpoint(fmt.Sprintf("o%d", i), i), checkpoint.Metadata{})
		require.NoError(t, err)
	}
	// Thread "busy": recent, but more than two.
	for i := range 4 {
		_, err := store.Put(ctx, checkpoint.Ref{ThreadID: "busy"}, sampleCheckpoint(fmt.Sprintf("b%d", i), 50+i), checkpoint.Metadata{})
		require.NoError(t, err)
	}
	// Thread "bad": prune fails.
	_, err := store.Put(ctx, checkpoint.Ref{ThreadID: "bad"}, sampleCheckpoint("x", 0), checkpoint.Metadata{})
	require.NoError(t, err)
	backend.failPrune["bad"] = errors.New("locked")

	report, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Threads)
	assert.Equal(t, 5, report.Deleted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "bad", report.Failures[0].Thread.ThreadID)

	busy, err := store.List(ctx, checkpoint.Ref{ThreadID: "busy"}, checkpoint.ListOptions{})
	require.NoError(t, err)
	require.Len(t, busy, 2)
	assert.Equal(t, "b3", busy[0].Checkpoint.ID)
	assert.Equal(t, "b2", busy[1].Checkpoint.ID)

	_, err = store.Get(ctx, checkpoint.Ref{ThreadID: "old"})
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	assert.False(t, c.has("passage:checkpoint:3:old:0::o0"))
	assert.False(t, c.has("passage:checkpoint:4:busy:0::b0"))
	assert.True(t, c.has("passage:checkpoint:3:bad:0::x"))
}

func TestTieredStore_Cleanup_Disabled(t *testing.T) {
	store, backend, _ := newTestStore(t)

	report, err := store.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, 0, backend.Calls())
}

func TestTieredStore_Statistics(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	puts := []struct{ thread, id, stage string }{
		{"t1", "a", "INITIAL"},
		{"t1", "b", "VENUE_SELECTION"},
		{"t2", "c", "VENUE_SELECTION"},
	}
	for i, p := range puts {
		_, err := store.Put(ctx, checkpoint.Ref{ThreadID: p.thread}, sampleCheckpoint(p.id, i), sampleMetadata(p.stage))
		require.NoError(t, err)
	}

	stats, err := store.Statistics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCheckpoints)
	assert.Equal(t, map[string]int64{"t1": 2, "t2": 1}, stats.CheckpointsByThread)
	assert.Equal(t, map[string]int64{"INITIAL": 1, "VENUE_SELECTION": 2}, stats.CheckpointsByStage)

	stats, err = store.Statistics(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalCheckpoints)
}

func TestTieredStore_ExportImport(t *testing.T) {
	src, _, _ := newTestStore(t, checkpoint.WithCompression(true))
	ctx := context.Background()
	ref := checkpoint.Ref{ThreadID: "t", Namespace: "ns"}

	for i := range 3 {
		cp := sampleCheckpoint(fmt.Sprintf("cp-%d", i), i)
		if i > 0 {
			cp.ParentID = fmt.Sprintf("cp-%d", i-1)
		}
		_, err := src.Put(ctx, ref, cp, sampleMetadata("S"))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	n, err := src.Export(ctx, ref, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"cp-0"`)

	dst, _, _ := newTestStore(t)
	n, err = dst.Import(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want, err := src.List(ctx, ref, checkpoint.ListOptions{})
	require.NoError(t, err)
	got, err := dst.List(ctx, ref, checkpoint.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NotNil(t, got[0].Parent)
	assert.Equal(t, "cp-1", got[0].Parent.CheckpointID)
}

func TestTieredStore_ExtraNumbersKeepExactValue(t *testing.T) {
	src, _, srcCache := newTestStore(t)
	ctx := context.Background()
	ref := checkpoint.Ref{ThreadID: "t"}

	meta := sampleMetadata("S")
	meta.Extra = map[string]any{"attendees": 120, "deposit_cents": int64(1234567890123456789)}
	ref, err := src.Put(ctx, ref, sampleCheckpoint("cp-1", 0), meta)
	require.NoError(t, err)

	want := map[string]any{
		"attendees":     json.Number("120"),
		"deposit_cents": json.Number("1234567890123456789"),
	}

	cached, err := src.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, want, cached.Metadata.Extra)

	srcCache.data = map[string][]byte{}
	durable, err := src.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, want, durable.Metadata.Extra)

	var buf bytes.Buffer
	_, err = src.Export(ctx, ref, &buf)
	require.NoError(t, err)
	dst, _, _ := newTestStore(t)
	_, err = dst.Import(ctx, &buf)
	require.NoError(t, err)

	imported, err := dst.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, want, imported.Metadata.Extra)
}

func TestTieredStore_Import_Corrupt(t *testing.T) {
	store, _, _ := newTestStore(t)

	n, err := store.Import(context.Background(), strings.NewReader("{not json"))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, checkpoint.ErrCorrupt)

	n, err = store.Import(context.Background(), strings.NewReader(`{"ref":{"thread_id":"t","checkpoint_ns":""}}`))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, checkpoint.ErrNilCheckpoint)
}

func TestTieredStore_Closed(t *testing.T) {
	backend := newSpyBackend()
	store, err := checkpoint.NewTieredStore(backend)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	ref := checkpoint.Ref{ThreadID: "t"}
	_, err = store.Put(ctx, ref, sampleCheckpoint("x", 0), checkpoint.Metadata{})
	assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
	_, err = store.List(ctx, ref, checkpoint.ListOptions{})
	assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
	assert.ErrorIs(t, store.Delete(ctx, ref), checkpoint.ErrStoreClosed)
	_, err = store.Cleanup(ctx)
	assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
	_, err = store.Statistics(ctx, "")
	assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
}

func TestTieredStore_SQLite(t *testing.T) {
	backend, err := checkpoint.NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	store, err := checkpoint.NewTieredStore(backend, checkpoint.WithCompression(true))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	cp := sampleCheckpoint("cp-1", 0)
	ref, err := store.Put(ctx, checkpoint.Ref{ThreadID: "t"}, cp, sampleMetadata("COORDINATION"))
	require.NoError(t, err)

	tuple, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, cp.ChannelValues, tuple.Checkpoint.ChannelValues)
	assert.True(t, cp.Timestamp.Equal(tuple.Checkpoint.Timestamp))
	assert.Equal(t, "COORDINATION", tuple.Metadata.Stage)
}
