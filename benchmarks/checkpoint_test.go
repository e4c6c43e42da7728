package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/passage/pkg/passage"
	"github.com/randalmurphal/passage/pkg/passage/cache"
	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
)

// largeState is a planning state with realistic requirement maps.
func largeState() passage.State {
	s := passage.State{
		PlanningStage:        passage.StageServicePlanning,
		CurrentAgent:         passage.AgentService,
		FamilyRequirements:   map[string]any{},
		CulturalRequirements: map[string]any{"tradition": "orthodox", "language": "greek"},
		VenueRequirements:    map[string]any{passage.KeySelectedVenue: "st-nicholas"},
		ServiceDetails:       map[string]any{passage.KeyEstimatedCost: 8200.0},
		DocumentsRequired:    passage.DefaultDocuments,
		DocumentsCollected:   passage.DefaultDocuments,
		Approvals:            []string{"family"},
	}
	for i := range 50 {
		s.FamilyRequirements[fmt.Sprintf("guest_%d", i)] = map[string]any{"name": "guest", "seat": i}
	}
	return s
}

func sampleCheckpoint(b *testing.B) *checkpoint.Checkpoint {
	b.Helper()
	values, err := json.Marshal(largeState())
	if err != nil {
		b.Fatal(err)
	}
	return &checkpoint.Checkpoint{ChannelValues: values}
}

func newStore(b *testing.B, backend checkpoint.Backend, opts ...checkpoint.Option) *checkpoint.TieredStore {
	b.Helper()
	store, err := checkpoint.NewTieredStore(backend, opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })
	return store
}

func newSQLiteBackend(b *testing.B) checkpoint.Backend {
	b.Helper()
	backend, err := checkpoint.NewSQLiteBackend(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	return backend
}

func benchmarkPut(b *testing.B, store checkpoint.Store) {
	ctx := context.Background()
	cp := sampleCheckpoint(b)
	ref := checkpoint.Ref{ThreadID: "thread-1"}
	meta := checkpoint.Metadata{Stage: string(passage.StageServicePlanning)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Put(ctx, ref, cp, meta)
	}
}

func benchmarkGet(b *testing.B, store checkpoint.Store) {
	ctx := context.Background()
	ref, err := store.Put(ctx, checkpoint.Ref{ThreadID: "thread-1"}, sampleCheckpoint(b), checkpoint.Metadata{})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Get(ctx, ref)
	}
}

// BenchmarkMemoryStore_Put measures puts to the in-memory durable tier.
func BenchmarkMemoryStore_Put(b *testing.B) {
	benchmarkPut(b, newStore(b, checkpoint.NewMemoryBackend()))
}

// BenchmarkMemoryStore_Get measures exact-id reads without a cache.
func BenchmarkMemoryStore_Get(b *testing.B) {
	benchmarkGet(b, newStore(b, checkpoint.NewMemoryBackend()))
}

// BenchmarkSQLiteStore_Put measures puts to SQLite.
func BenchmarkSQLiteStore_Put(b *testing.B) {
	benchmarkPut(b, newStore(b, newSQLiteBackend(b)))
}

// BenchmarkSQLiteStore_Put_Compressed measures puts with zstd payloads.
func BenchmarkSQLiteStore_Put_Compressed(b *testing.B) {
	benchmarkPut(b, newStore(b, newSQLiteBackend(b), checkpoint.WithCompression(true)))
}

// BenchmarkSQLiteStore_Get measures exact-id reads from SQLite.
func BenchmarkSQLiteStore_Get(b *testing.B) {
	benchmarkGet(b, newStore(b, newSQLiteBackend(b)))
}

// BenchmarkSQLiteStore_Get_Cached measures exact-id reads served by ristretto.
func BenchmarkSQLiteStore_Get_Cached(b *testing.B) {
	l1, err := cache.NewRistretto(64 << 20)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(l1.Close)
	benchmarkGet(b, newStore(b, newSQLiteBackend(b), checkpoint.WithCache(l1)))
}

// BenchmarkSQLiteStore_Latest measures latest-checkpoint reads.
func BenchmarkSQLiteStore_Latest(b *testing.B) {
	ctx := context.Background()
	store := newStore(b, newSQLiteBackend(b))
	for range 100 {
		if _, err := store.Put(ctx, checkpoint.Ref{ThreadID: "thread-1"}, sampleCheckpoint(b), checkpoint.Metadata{}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Get(ctx, checkpoint.Ref{ThreadID: "thread-1"})
	}
}

// BenchmarkJSONMarshal measures state serialization.
func BenchmarkJSONMarshal(b *testing.B) {
	s := largeState()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = json.Marshal(s)
	}
}

// BenchmarkJSONUnmarshal measures state deserialization.
func BenchmarkJSONUnmarshal(b *testing.B) {
	data, _ := json.Marshal(largeState())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var s passage.State
		_ = json.Unmarshal(data, &s)
	}
}
