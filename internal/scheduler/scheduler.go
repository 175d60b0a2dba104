// Package scheduler fires sentinel runs on a cron cadence with
// single-flight overlap protection and cooperative shutdown.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/store"
)

// Runner executes one tick. Satisfied by *agent.Agent.
type Runner interface {
	RunOnce(ctx context.Context, scheduledAt time.Time) (*store.Run, error)
}

// RunStore persists skipped-tick rows.
type RunStore interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, run *store.Run) error
}

// Config tunes the scheduler.
type Config struct {
	// CronExpression in standard five-field form, evaluated in UTC.
	// Default "*/15 * * * *".
	CronExpression string
	// GracePeriod bounds how long Stop waits for the in-flight run.
	GracePeriod time.Duration // default 30s
}

// Scheduler drives the agent on a timer. One run in flight at a time;
// overlapping ticks are recorded as SKIPPED and dropped.
type Scheduler struct {
	schedule cron.Schedule
	runner   Runner
	store    RunStore
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New parses the cron expression and builds a scheduler.
func New(cfg Config, runner Runner, st RunStore, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	expr := cfg.CronExpression
	if expr == "" {
		expr = "*/15 * * * *"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse cron %q: %w", expr, err)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}

	s := &Scheduler{
		schedule: schedule,
		runner:   runner,
		store:    st,
		grace:    cfg.GracePeriod,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs the timer loop until Stop or ctx cancellation. Blocking;
// callers run it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "next", s.schedule.Next(s.now().UTC()).Format(time.RFC3339))

	for {
		next := s.schedule.Next(s.now().UTC())
		timer := time.NewTimer(next.Sub(s.now()))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.Tick(ctx, next)
		}
	}
}

// Tick fires one scheduled run. If the previous run is still in
// flight, the tick is persisted as SKIPPED with reason "overlap" and
// no work happens.
func (s *Scheduler) Tick(ctx context.Context, scheduledAt time.Time) {
	if !s.running.CompareAndSwap(false, true) {
		s.recordSkip(ctx, scheduledAt)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		run, err := s.runner.RunOnce(ctx, scheduledAt)
		if err != nil {
			id := ""
			if run != nil {
				id = run.ID
			}
			s.logger.Error("run failed", "run_id", id, "err", err)
		}
	}()
}

// recordSkip persists the dropped tick so the run history shows the
// gap.
func (s *Scheduler) recordSkip(ctx context.Context, scheduledAt time.Time) {
	run := &store.Run{
		ID:          idgen.WithPrefix("run"),
		ScheduledAt: scheduledAt,
		StartedAt:   s.now(),
		CompletedAt: s.now(),
		Status:      store.RunSkipped,
		Metadata:    store.RunMetadata{SkipReason: "overlap"},
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.logger.Error("persist skipped run failed", "err", err)
		return
	}
	metrics.RunsTotal.WithLabelValues("skipped").Inc()
	s.logger.Warn("tick skipped, previous run still in flight", "scheduled_at", scheduledAt.Format(time.RFC3339))
}

// Stop halts the timer loop and waits up to the grace period for the
// in-flight run to finish.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.grace):
		s.logger.Warn("grace period elapsed with run still in flight")
	}
}
