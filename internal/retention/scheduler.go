// Package retention runs the event-log and audit-log retention sweep on a
// cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/proofline/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Runner performs one retention sweep. *persistence.Store implements it.
type Runner interface {
	RunRetention(ctx context.Context, taskEventDays, auditLogDays int) (persistence.RetentionResult, error)
}

// Policy is how many days of history to keep. Zero keeps everything.
type Policy struct {
	TaskEventsDays int
	AuditLogDays   int
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Runner   Runner
	Logger   *slog.Logger
	Schedule string        // cron expression; defaults to "0 3 * * *"
	Policy   Policy
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Clock    func() time.Time
}

// Scheduler checks the schedule every tick and sweeps when a run is due.
type Scheduler struct {
	runner   Runner
	logger   *slog.Logger
	schedule cronlib.Schedule
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	policy Policy
	next   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns an idle scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("retention: runner required")
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("retention: parse schedule %q: %w", expr, err)
	}
	s := &Scheduler{
		runner:   cfg.Runner,
		logger:   cfg.Logger,
		schedule: sched,
		interval: cfg.Interval,
		now:      cfg.Clock,
		policy:   cfg.Policy,
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.next = s.schedule.Next(s.now())
	next := s.next
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "next_run_at", next)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// SetPolicy replaces the retention windows used by later sweeps.
func (s *Scheduler) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// NextRun returns when the next sweep is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.next)
	if due {
		s.next = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	_, _ = s.RunOnce(ctx)
}

// RunOnce sweeps immediately with the current policy.
func (s *Scheduler) RunOnce(ctx context.Context) (persistence.RetentionResult, error) {
	s.mu.Lock()
	p := s.policy
	s.mu.Unlock()

	start := time.Now()
	res, err := s.runner.RunRetention(ctx, p.TaskEventsDays, p.AuditLogDays)
	if err != nil {
		s.logger.Error("retention: sweep failed", "error", err)
		return res, err
	}
	s.logger.Info("retention: sweep complete",
		"task_events_purged", res.PurgedTaskEvents,
		"audit_logs_purged", res.PurgedAuditLogs,
		"task_events_days", p.TaskEventsDays,
		"audit_log_days", p.AuditLogDays,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
