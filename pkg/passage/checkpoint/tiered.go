package checkpoint

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/passage/pkg/passage/observability"
)

// TieredStore writes through to a durable Backend and then a cache.
type TieredStore struct {
	durable Backend
	codec   *codec
	cfg     storeConfig

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// Compile-time interface check.
var _ Store = (*TieredStore)(nil)

// NewTieredStore creates a store over durable. The store owns durable and
// closes it on Close; the cache stays owned by the caller.
func NewTieredStore(durable Backend, opts ...Option) (*TieredStore, error) {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := newCodec(cfg.compress)
	if err != nil {
		return nil, err
	}
	return &TieredStore{durable: durable, codec: c, cfg: cfg}, nil
}

// cacheKey returns <prefix><len(thread)>:<thread>:<len(ns)>:<ns>:<id>.
// Thread and namespace are length prefixed so that values containing ':'
// cannot collide with another thread's key.
func (s *TieredStore) cacheKey(ref Ref) string {
	return s.cfg.keyPrefix +
		strconv.Itoa(len(ref.ThreadID)) + ":" + ref.ThreadID + ":" +
		strconv.Itoa(len(ref.Namespace)) + ":" + ref.Namespace + ":" +
		ref.CheckpointID
}

// normalize fills defaults on a private copy of cp.
func (s *TieredStore) normalize(ref Ref, cp *Checkpoint, meta Metadata) (*Checkpoint, Metadata, error) {
	c := cp.Clone()
	switch {
	case c.ID == "" && ref.CheckpointID != "":
		c.ID = ref.CheckpointID
	case c.ID == "":
		id, err := uuid.NewV7()
		if err != nil {
			return nil, meta, fmt.Errorf("generate checkpoint id: %w", err)
		}
		c.ID = id.String()
	case ref.CheckpointID != "" && ref.CheckpointID != c.ID:
		return nil, meta, fmt.Errorf("%w: ref id %q does not match checkpoint id %q",
			ErrInvalidRef, ref.CheckpointID, c.ID)
	}

	if c.Version == 0 {
		c.Version = FormatVersion
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = s.cfg.now()
	}
	c.Timestamp = c.Timestamp.UTC()
	if len(c.ChannelValues) == 0 {
		c.ChannelValues = json.RawMessage(`{}`)
	}

	if meta.Timestamp.IsZero() {
		meta.Timestamp = c.Timestamp
	}
	meta.Timestamp = meta.Timestamp.UTC()
	if meta.Version == 0 {
		meta.Version = c.Version
	}
	return c, meta, nil
}

// Put implements Store.
func (s *TieredStore) Put(ctx context.Context, ref Ref, cp *Checkpoint, meta Metadata) (Ref, error) {
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	if cp == nil {
		return Ref{}, ErrNilCheckpoint
	}
	if s.closed.Load() {
		return Ref{}, ErrStoreClosed
	}

	c, meta, err := s.normalize(ref, cp, meta)
	if err != nil {
		return Ref{}, err
	}
	ref = ref.WithID(c.ID)

	row, err := s.codec.encode(ref, c, meta, s.cfg.now().UTC())
	if err != nil {
		return Ref{}, err
	}

	if err := s.durable.Put(ctx, row); err != nil {
		observability.LogCheckpointError(s.cfg.logger, ref.ThreadID, "put", err)
		return Ref{}, &TierError{Tier: TierDurable, Op: "put", Err: err}
	}
	s.cfg.metrics.RecordCheckpoint(ctx, meta.Stage, int64(len(row.Checkpoint)))
	observability.LogCheckpoint(s.cfg.logger, ref.ThreadID, ref.CheckpointID, len(row.Checkpoint))

	entry, err := marshalCacheEntry(row)
	if err == nil {
		err = s.cfg.cache.Set(ctx, s.cacheKey(ref), entry, s.cfg.cacheTTL)
	}
	if err != nil {
		observability.LogCacheError(s.cfg.logger, s.cacheKey(ref), "set", err)
		return ref, &TierError{Tier: TierCache, Op: "put", Err: err}
	}
	return ref, nil
}

// Get implements Store.
func (s *TieredStore) Get(ctx context.Context, ref Ref) (*Tuple, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	if ref.CheckpointID == "" {
		row, err := s.durable.Latest(ctx, ref.ThreadID, ref.Namespace)
		if err != nil {
			return nil, s.durableErr("get", err)
		}
		return s.codec.decode(row)
	}

	if t, ok, err := s.getCached(ctx, ref); err != nil || ok {
		return t, err
	}

	row, err := s.durable.Get(ctx, ref.ThreadID, ref.Namespace, ref.CheckpointID)
	if err != nil {
		return nil, s.durableErr("get", err)
	}
	t, err := s.codec.decode(row)
	if err != nil {
		return nil, err
	}
	s.backfill(ctx, ref, row)
	return t, nil
}

// backfill caches a row read from the durable tier. The durable tier is
// checked again after the write: a Delete or Cleanup that ran between the
// read and the write would otherwise leave a cached copy of a deleted
// checkpoint until its TTL.
func (s *TieredStore) backfill(ctx context.Context, ref Ref, row *Row) {
	key := s.cacheKey(ref)
	entry, err := marshalCacheEntry(*row)
	if err == nil {
		err = s.cfg.cache.Set(ctx, key, entry, s.cfg.cacheTTL)
	}
	if err != nil {
		observability.LogCacheError(s.cfg.logger, key, "backfill", err)
		return
	}

	if _, err := s.durable.Get(ctx, ref.ThreadID, ref.Namespace, ref.CheckpointID); errors.Is(err, ErrNotFound) {
		if err := s.cfg.cache.Delete(ctx, key); err != nil {
			observability.LogCacheError(s.cfg.logger, key, "evict", err)
		}
	}
}

// getCached looks ref up in the cache. An undecodable entry is evicted and
// reported as a miss so the durable copy is served.
func (s *TieredStore) getCached(ctx context.Context, ref Ref) (*Tuple, bool, error) {
	key := s.cacheKey(ref)
	data, ok, err := s.cfg.cache.Get(ctx, key)
	if err != nil {
		observability.LogCacheError(s.cfg.logger, key, "get", err)
		return nil, false, &TierError{Tier: TierCache, Op: "get", Err: err}
	}
	s.cfg.metrics.RecordCacheLookup(ctx, ok)
	if !ok {
		return nil, false, nil
	}

	row, err := unmarshalCacheEntry(ref, data)
	if err == nil {
		var t *Tuple
		if t, err = s.codec.decode(row); err == nil {
			return t, true, nil
		}
	}
	observability.LogCacheError(s.cfg.logger, key, "decode", err)
	if err := s.cfg.cache.Delete(ctx, key); err != nil {
		observability.LogCacheError(s.cfg.logger, key, "evict", err)
	}
	return nil, false, nil
}

func (s *TieredStore) durableErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, ErrStoreClosed) {
		return ErrStoreClosed
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return err
	}
	return &TierError{Tier: TierDurable, Op: op, Err: err}
}

// List implements Store.
func (s *TieredStore) List(ctx context.Context, ref Ref, opts ListOptions) ([]Tuple, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	rows, err := s.durable.List(ctx, ref.ThreadID, ref.Namespace, Query{Filter: opts.Filter, Limit: opts.Limit})
	if err != nil {
		return nil, s.durableErr("list", err)
	}

	out := make([]Tuple, 0, len(rows))
	for i := range rows {
		t, err := s.codec.decode(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// Delete implements Store.
func (s *TieredStore) Delete(ctx context.Context, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	ids := []string{ref.CheckpointID}
	if ref.CheckpointID == "" {
		var err error
		if ids, err = s.durable.DeleteThread(ctx, ref.ThreadID, ref.Namespace); err != nil {
			return s.durableErr("delete", err)
		}
	} else if err := s.durable.Delete(ctx, ref.ThreadID, ref.Namespace, ref.CheckpointID); err != nil {
		return s.durableErr("delete", err)
	}

	if err := s.evict(ctx, ref, ids); err != nil {
		return &TierError{Tier: TierCache, Op: "delete", Err: err}
	}
	return nil
}

// evict removes cache entries for ids of ref's thread.
func (s *TieredStore) evict(ctx context.Context, ref Ref, ids []string) error {
	var errs []error
	for _, id := range ids {
		key := s.cacheKey(ref.WithID(id))
		if err := s.cfg.cache.Delete(ctx, key); err != nil {
			observability.LogCacheError(s.cfg.logger, key, "delete", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cleanup implements Store. A failing thread is recorded in the report and
// never stops the others.
func (s *TieredStore) Cleanup(ctx context.Context) (*CleanupReport, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	report := &CleanupReport{}
	if !s.cfg.retention.Enabled() {
		return report, nil
	}

	done := observability.TimedOperation()
	start := s.cfg.now()

	threads, err := s.durable.Threads(ctx)
	if err != nil {
		return nil, s.durableErr("cleanup", err)
	}
	report.Threads = len(threads)

	var cutoff time.Time
	if s.cfg.retention.MaxAge > 0 {
		cutoff = start.Add(-s.cfg.retention.MaxAge)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.concurrency)
	for _, key := range threads {
		g.Go(func() error {
			ids, err := s.durable.Prune(gctx, key, cutoff, s.cfg.retention.MaxCheckpoints)
			if err == nil && len(ids) > 0 {
				if cerr := s.evict(gctx, Ref{ThreadID: key.ThreadID, Namespace: key.Namespace}, ids); cerr != nil {
					observability.LogCacheError(s.cfg.logger, key.ThreadID, "cleanup", cerr)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				observability.LogCheckpointError(s.cfg.logger, key.ThreadID, "cleanup", err)
				report.Failures = append(report.Failures, CleanupFailure{Thread: key, Err: err})
				return nil
			}
			report.Deleted += len(ids)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(report.Failures, func(a, b CleanupFailure) int {
		if c := cmp.Compare(a.Thread.ThreadID, b.Thread.ThreadID); c != 0 {
			return c
		}
		return cmp.Compare(a.Thread.Namespace, b.Thread.Namespace)
	})

	durationMs := done()
	report.Duration = s.cfg.now().Sub(start)
	s.cfg.metrics.RecordSweep(ctx, report.Deleted, len(report.Failures), report.Duration)
	observability.LogSweep(s.cfg.logger, report.Threads, report.Deleted, len(report.Failures), durationMs)

	return report, ctx.Err()
}

// Statistics implements Store.
func (s *TieredStore) Statistics(ctx context.Context, threadID string) (*Statistics, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	stats, err := s.durable.Stats(ctx, threadID)
	if err != nil {
		return nil, s.durableErr("statistics", err)
	}
	return stats, nil
}

// Export implements Store.
func (s *TieredStore) Export(ctx context.Context, ref Ref, w io.Writer) (int, error) {
	tuples, err := s.List(ctx, ref.WithID(""), ListOptions{})
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i := len(tuples) - 1; i >= 0; i-- {
		if err := enc.Encode(&tuples[i]); err != nil {
			return len(tuples) - 1 - i, fmt.Errorf("export checkpoint %s: %w", tuples[i].Ref.CheckpointID, err)
		}
	}
	return len(tuples), nil
}

// Import implements Store.
func (s *TieredStore) Import(ctx context.Context, r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	n := 0
	for {
		var t Tuple
		err := dec.Decode(&t)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%w: import record %d: %v", ErrCorrupt, n+1, err)
		}
		if t.Checkpoint == nil {
			return n, fmt.Errorf("import record %d: %w", n+1, ErrNilCheckpoint)
		}
		if _, err := s.Put(ctx, t.Ref, t.Checkpoint, t.Metadata); err != nil {
			var tierErr *TierError
			if !errors.As(err, &tierErr) || tierErr.Tier != TierCache {
				return n, fmt.Errorf("import record %d: %w", n+1, err)
			}
		}
		n++
	}
}

// Close implements Store.
func (s *TieredStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.durable.Close()
		s.codec.close()
	})
	return s.closeErr
}
