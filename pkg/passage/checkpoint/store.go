package checkpoint

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/randalmurphal/passage/pkg/passage/cache"
	"github.com/randalmurphal/passage/pkg/passage/observability"
)

// Store is the checkpoint store used by the engine.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put persists a checkpoint and returns its resolved ref. The id comes
	// from cp.ID, then ref.CheckpointID, and is generated when both are
	// empty. If only the cache write fails, the checkpoint is durable and
	// Put returns the ref together with a cache *TierError.
	Put(ctx context.Context, ref Ref, cp *Checkpoint, meta Metadata) (Ref, error)

	// Get returns the checkpoint with ref.CheckpointID, or the newest
	// checkpoint of the thread when the id is empty.
	// Returns ErrNotFound if nothing matches.
	Get(ctx context.Context, ref Ref) (*Tuple, error)

	// List returns checkpoints of a thread newest first.
	List(ctx context.Context, ref Ref, opts ListOptions) ([]Tuple, error)

	// Delete removes ref.CheckpointID, or the whole thread when the id is
	// empty. Deleting something that doesn't exist is not an error.
	Delete(ctx context.Context, ref Ref) error

	// Cleanup applies the retention policy to every thread.
	Cleanup(ctx context.Context) (*CleanupReport, error)

	// Statistics aggregates counts, optionally for a single thread id.
	Statistics(ctx context.Context, threadID string) (*Statistics, error)

	// Export writes a thread's checkpoints, oldest first, as JSON lines.
	Export(ctx context.Context, ref Ref, w io.Writer) (int, error)

	// Import reads JSON lines produced by Export and stores each tuple.
	Import(ctx context.Context, r io.Reader) (int, error)

	// Close releases the durable tier.
	Close() error
}

// ListOptions narrows a List call.
type ListOptions struct {
	// Filter is matched against metadata with JSON containment.
	Filter map[string]any
	// Limit caps the result; zero means no limit.
	Limit int
}

// Retention bounds how much history each thread keeps.
type Retention struct {
	// MaxAge removes checkpoints older than now minus MaxAge. Zero disables.
	MaxAge time.Duration
	// MaxCheckpoints keeps at most this many newest checkpoints per thread.
	// Zero disables.
	MaxCheckpoints int
}

// Enabled reports whether any retention criterion is set.
func (r Retention) Enabled() bool {
	return r.MaxAge > 0 || r.MaxCheckpoints > 0
}

// CleanupReport summarizes one retention pass.
type CleanupReport struct {
	Threads  int
	Deleted  int
	Failures []CleanupFailure
	Duration time.Duration
}

// CleanupFailure records a thread whose prune failed.
type CleanupFailure struct {
	Thread ThreadKey
	Err    error
}

// storeConfig holds TieredStore settings.
type storeConfig struct {
	cache       cache.Cache
	cacheTTL    time.Duration
	keyPrefix   string
	compress    bool
	retention   Retention
	concurrency int
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	now         func() time.Time
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		cache:       cache.Nop{},
		cacheTTL:    time.Hour,
		keyPrefix:   "passage:checkpoint:",
		concurrency: 4,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		now:         time.Now,
	}
}

// Option configures a TieredStore.
type Option func(*storeConfig)

// WithCache sets the cache tier. Default: no cache.
func WithCache(c cache.Cache) Option {
	return func(cfg *storeConfig) {
		if c != nil {
			cfg.cache = c
		}
	}
}

// WithCacheTTL sets how long cache entries live. Default: 1h.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *storeConfig) { cfg.cacheTTL = ttl }
}

// WithKeyPrefix sets the cache key prefix. Default: "passage:checkpoint:".
func WithKeyPrefix(prefix string) Option {
	return func(cfg *storeConfig) { cfg.keyPrefix = prefix }
}

// WithCompression enables zstd compression of checkpoint payloads.
func WithCompression(enabled bool) Option {
	return func(cfg *storeConfig) { cfg.compress = enabled }
}

// WithRetention sets the policy applied by Cleanup.
func WithRetention(r Retention) Option {
	return func(cfg *storeConfig) { cfg.retention = r }
}

// WithCleanupConcurrency bounds how many threads Cleanup prunes at once.
// Default: 4.
func WithCleanupConcurrency(n int) Option {
	return func(cfg *storeConfig) {
		if n > 0 {
			cfg.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *storeConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(cfg *storeConfig) {
		if m != nil {
			cfg.metrics = m
		}
	}
}

// WithClock sets the time source used for defaults and retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(cfg *storeConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}
