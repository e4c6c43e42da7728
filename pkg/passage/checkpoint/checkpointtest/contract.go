// Package checkpointtest provides a behavioural test suite shared by
// checkpoint.Backend implementations.
package checkpointtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
)

// Factory creates a fresh, empty backend for one subtest.
type Factory func(t *testing.T) checkpoint.Backend

// Base is the timestamp rows are offset from.
var Base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Row builds a row whose timestamp is Base plus offset minutes.
func Row(thread, ns, id string, offset int, stage string) checkpoint.Row {
	return checkpoint.Row{
		ThreadID:     thread,
		Namespace:    ns,
		CheckpointID: id,
		Checkpoint:   []byte(fmt.Sprintf(`{"id":%q}`, id)),
		Encoding:     checkpoint.EncodingJSON,
		Metadata:     []byte(fmt.Sprintf(`{"stage":%q,"tags":["a","b"],"extra":{"k":1}}`, stage)),
		CreatedAt:    Base.Add(time.Duration(offset) * time.Minute),
		UpdatedAt:    Base,
	}
}

func ids(rows []checkpoint.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.CheckpointID
	}
	return out
}

// RunBackendContract runs the shared behavioural suite against a Backend.
// Subtests run sequentially, so factories may share one database.
func RunBackendContract(t *testing.T, name string, factory Factory) {
	ctx := context.Background()

	t.Run(name+"/Put_and_Get", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		want := Row("t1", "", "cp-1", 0, "INITIAL")
		want.ParentCheckpointID = "cp-0"
		require.NoError(t, b.Put(ctx, want))

		got, err := b.Get(ctx, "t1", "", "cp-1")
		require.NoError(t, err)
		assert.Equal(t, want.Checkpoint, got.Checkpoint)
		assert.JSONEq(t, string(want.Metadata), string(got.Metadata))
		assert.Equal(t, "cp-0", got.ParentCheckpointID)
		assert.Equal(t, checkpoint.EncodingJSON, got.Encoding)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		_, err := b.Get(ctx, "t1", "", "missing")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		_, err = b.Latest(ctx, "t1", "")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/Put_Overwrite", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		first := Row("t1", "", "cp-1", 0, "INITIAL")
		second := Row("t1", "", "cp-1", 1, "COMPLETED")
		require.NoError(t, b.Put(ctx, first))
		require.NoError(t, b.Put(ctx, second))

		got, err := b.Get(ctx, "t1", "", "cp-1")
		require.NoError(t, err)
		assert.JSONEq(t, string(second.Metadata), string(got.Metadata))

		rows, err := b.List(ctx, "t1", "", checkpoint.Query{})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run(name+"/Latest_ByTimestamp", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		// Insertion order differs from timestamp order.
		require.NoError(t, b.Put(ctx, Row("t1", "", "b", 2, "S")))
		require.NoError(t, b.Put(ctx, Row("t1", "", "c", 1, "S")))
		require.NoError(t, b.Put(ctx, Row("t1", "", "a", 0, "S")))

		got, err := b.Latest(ctx, "t1", "")
		require.NoError(t, err)
		assert.Equal(t, "b", got.CheckpointID)
	})

	t.Run(name+"/List_NewestFirst_Limit", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		for i := range 5 {
			require.NoError(t, b.Put(ctx, Row("t1", "", fmt.Sprintf("cp-%d", i), i, "S")))
		}

		rows, err := b.List(ctx, "t1", "", checkpoint.Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"cp-4", "cp-3", "cp-2", "cp-1", "cp-0"}, ids(rows))

		rows, err = b.List(ctx, "t1", "", checkpoint.Query{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"cp-4", "cp-3"}, ids(rows))
	})

	t.Run(name+"/List_Empty", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		rows, err := b.List(ctx, "nobody", "", checkpoint.Query{})
		require.NoError(t, err)
		assert.NotNil(t, rows)
		assert.Empty(t, rows)
	})

	t.Run(name+"/List_Filter", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		require.NoError(t, b.Put(ctx, Row("t1", "", "v1", 0, "VENUE_SELECTION")))
		require.NoError(t, b.Put(ctx, Row("t1", "", "s1", 1, "SERVICE_PLANNING")))
		require.NoError(t, b.Put(ctx, Row("t1", "", "v2", 2, "VENUE_SELECTION")))

		rows, err := b.List(ctx, "t1", "", checkpoint.Query{Filter: map[string]any{"stage": "VENUE_SELECTION"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"v2", "v1"}, ids(rows))

		rows, err = b.List(ctx, "t1", "", checkpoint.Query{Filter: map[string]any{"stage": "VENUE_SELECTION"}, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"v2"}, ids(rows))

		rows, err = b.List(ctx, "t1", "", checkpoint.Query{Filter: map[string]any{"tags": []string{"b"}, "extra": map[string]any{"k": 1}}})
		require.NoError(t, err)
		assert.Len(t, rows, 3)

		rows, err = b.List(ctx, "t1", "", checkpoint.Query{Filter: map[string]any{"tags": []string{"zzz"}}})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run(name+"/Namespaces_Isolated", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		require.NoError(t, b.Put(ctx, Row("t1", "", "root", 0, "S")))
		require.NoError(t, b.Put(ctx, Row("t1", "sub", "child", 1, "S")))

		rows, err := b.List(ctx, "t1", "", checkpoint.Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"root"}, ids(rows))

		_, err = b.Get(ctx, "t1", "", "child")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		require.NoError(t, b.Put(ctx, Row("t1", "", "cp-1", 0, "S")))
		require.NoError(t, b.Delete(ctx, "t1", "", "cp-1"))
		require.NoError(t, b.Delete(ctx, "t1", "", "cp-1"))

		_, err := b.Get(ctx, "t1", "", "cp-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/DeleteThread", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		require.NoError(t, b.Put(ctx, Row("t1", "", "a", 0, "S")))
		require.NoError(t, b.Put(ctx, Row("t1", "", "b", 1, "S")))
		require.NoError(t, b.Put(ctx, Row("t2", "", "c", 0, "S")))

		deleted, err := b.DeleteThread(ctx, "t1", "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, deleted)

		keys, err := b.Threads(ctx)
		require.NoError(t, err)
		assert.Equal(t, []checkpoint.ThreadKey{{ThreadID: "t2"}}, keys)

		deleted, err = b.DeleteThread(ctx, "t1", "")
		require.NoError(t, err)
		assert.Empty(t, deleted)
	})

	t.Run(name+"/Prune", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		for i := range 6 {
			require.NoError(t, b.Put(ctx, Row("t1", "", fmt.Sprintf("cp-%d", i), i, "S")))
		}
		require.NoError(t, b.Put(ctx, Row("t2", "", "other", 0, "S")))

		// Keep the newest 4, and drop anything before minute 1.
		removed, err := b.Prune(ctx, checkpoint.ThreadKey{ThreadID: "t1"}, Base.Add(time.Minute), 4)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"cp-0", "cp-1"}, removed)

		removed, err = b.Prune(ctx, checkpoint.ThreadKey{ThreadID: "t1"}, Base.Add(3*time.Minute), 0)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"cp-2"}, removed)

		rows, err := b.List(ctx, "t1", "", checkpoint.Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"cp-5", "cp-4", "cp-3"}, ids(rows))

		removed, err = b.Prune(ctx, checkpoint.ThreadKey{ThreadID: "t1"}, time.Time{}, 0)
		require.NoError(t, err)
		assert.Empty(t, removed)

		_, err = b.Get(ctx, "t2", "", "other")
		assert.NoError(t, err)
	})

	t.Run(name+"/Stats", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		require.NoError(t, b.Put(ctx, Row("t1", "", "a", 0, "INITIAL")))
		require.NoError(t, b.Put(ctx, Row("t1", "", "b", 1, "VENUE_SELECTION")))
		require.NoError(t, b.Put(ctx, Row("t1", "sub", "c", 2, "VENUE_SELECTION")))
		require.NoError(t, b.Put(ctx, Row("t2", "", "d", 0, "VENUE_SELECTION")))

		stats, err := b.Stats(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.TotalCheckpoints)
		assert.Equal(t, map[string]int64{"t1": 3, "t2": 1}, stats.CheckpointsByThread)
		assert.Equal(t, map[string]int64{"INITIAL": 1, "VENUE_SELECTION": 3}, stats.CheckpointsByStage)

		stats, err = b.Stats(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalCheckpoints)
		assert.Equal(t, map[string]int64{"t2": 1}, stats.CheckpointsByThread)
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		b := factory(t)
		require.NoError(t, b.Close())

		assert.ErrorIs(t, b.Put(ctx, Row("t1", "", "a", 0, "S")), checkpoint.ErrStoreClosed)
		_, err := b.Get(ctx, "t1", "", "a")
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
		_, err = b.Threads(ctx)
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
	})
}
