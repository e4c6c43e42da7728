// Package retention runs the checkpoint store's retention policy on a cron
// schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
)

// DefaultSchedule runs a sweep every hour.
const DefaultSchedule = "@every 1h"

// ErrAlreadyStarted indicates Start was called twice.
var ErrAlreadyStarted = errors.New("sweeper already started")

// Cleaner is the part of checkpoint.Store the sweeper drives.
type Cleaner interface {
	Cleanup(ctx context.Context) (*checkpoint.CleanupReport, error)
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger for sweep results and scheduler events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeout bounds a single scheduled sweep. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.timeout = d }
}

// WithOnSweep registers a callback that receives every scheduled sweep
// result.
func WithOnSweep(fn func(*checkpoint.CleanupReport, error)) Option {
	return func(s *Sweeper) { s.onSweep = fn }
}

// Sweeper calls Cleanup on a schedule. Overlapping runs are skipped.
type Sweeper struct {
	store    Cleaner
	schedule string
	logger   *slog.Logger
	timeout  time.Duration
	onSweep  func(*checkpoint.CleanupReport, error)

	cron *cronlib.Cron

	mu      sync.Mutex
	started bool
	runs    int
	last    *checkpoint.CleanupReport
	lastErr error
}

// New creates a sweeper. An empty schedule means DefaultSchedule.
func New(store Cleaner, schedule string, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("retention: store is required")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, fmt.Errorf("retention: invalid schedule %q: %w", schedule, err)
	}

	s := &Sweeper{
		store:    store,
		schedule: schedule,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{logger: s.logger}
	s.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(cl),
		cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(schedule, s.scheduled); err != nil {
		return nil, fmt.Errorf("retention: schedule sweep: %w", err)
	}
	return s, nil
}

// Schedule returns the cron expression the sweeper runs on.
func (s *Sweeper) Schedule() string {
	return s.schedule
}

// Start launches the scheduler goroutine.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("retention sweeper started", slog.String("schedule", s.schedule))
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to
// be done.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("retention sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one sweep now, outside the schedule.
func (s *Sweeper) RunOnce(ctx context.Context) (*checkpoint.CleanupReport, error) {
	report, err := s.store.Cleanup(ctx)

	s.mu.Lock()
	s.runs++
	s.last = report
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		return report, err
	}
	for _, f := range report.Failures {
		s.logger.Warn("retention sweep skipped thread",
			slog.String("thread_id", f.Thread.ThreadID),
			slog.String("checkpoint_ns", f.Thread.Namespace),
			slog.String("error", f.Err.Error()),
		)
	}
	return report, nil
}

// Status describes the sweeps run so far.
type Status struct {
	Runs    int
	Last    *checkpoint.CleanupReport
	LastErr error
}

// Status returns the number of sweeps run and the most recent result.
func (s *Sweeper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Runs: s.runs, Last: s.last, LastErr: s.lastErr}
}

func (s *Sweeper) scheduled() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	report, err := s.RunOnce(ctx)
	if s.onSweep != nil {
		s.onSweep(report, err)
	}
}

// cronLogger adapts slog to the cron scheduler's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
