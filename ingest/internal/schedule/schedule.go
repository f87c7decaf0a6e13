// Package schedule runs the configured fetch job on a cron spec.
// A tick that fires while the previous run is still active is skipped.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is the scheduled work. Its error is logged, never retried.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner bound to one timezone.
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
	logger   *slog.Logger
	ctx      context.Context

	mu        sync.Mutex
	started   bool
	entries   []cron.EntryID
	schedules []cron.Schedule
	now       func() time.Time

	active  atomic.Bool
	skipped atomic.Int64
}

// New creates a scheduler for timezone ("" means UTC). ctx is handed to
// every job and should live as long as the process.
func New(ctx context.Context, timezone string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule: load timezone %q: %w", timezone, err)
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		location: loc,
		logger:   logger,
		ctx:      ctx,
		now:      time.Now,
	}, nil
}

// Validate parses a standard 5-field cron spec.
func Validate(spec string) error {
	_, err := parse(spec)
	return err
}

func parse(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule: bad spec %q: %w", spec, err)
	}
	return sched, nil
}

// Add registers job on spec.
func (s *Scheduler) Add(name, spec string, job Job) error {
	sched, err := parse(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.run(name, job) }))
	s.entries = append(s.entries, id)
	s.schedules = append(s.schedules, sched)
	s.logger.Info("schedule: job registered", "job", name, "spec", spec, "timezone", s.location.String())
	return nil
}

// run executes job unless another scheduled run is active. Returns false
// when the tick was skipped.
func (s *Scheduler) run(name string, job Job) bool {
	if !s.active.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn("schedule: previous run still active, tick skipped", "job", name)
		return false
	}
	defer s.active.Store(false)

	start := time.Now()
	if err := job(s.ctx); err != nil {
		s.logger.Error("schedule: job failed", "job", name, "error", err, "duration", time.Since(start))
		return true
	}
	s.logger.Info("schedule: job done", "job", name, "duration", time.Since(start))
	return true
}

// Skipped returns how many ticks were skipped because a run was active.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// Next returns the next activation across all jobs, zero if none. It is
// computed from the specs, so it is valid before Start.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().In(s.location)
	var next time.Time
	for _, sched := range s.schedules {
		if t := sched.Next(now); next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		<-s.cron.Stop().Done()
		s.started = false
	}
}
