/*
scheduler.go - Automated expiry of stale grace requests

PURPOSE:
  Pending grace requests that no guardian answers would otherwise sit in
  the queue forever and keep the child waiting. The scheduler periodically
  resolves requests older than the pending timeout to EXPIRED.

DESIGN:
  - Cron expression (robfig/cron, standard 5-field syntax)
  - Each run calls GraceEngine.ExpireStale with the current time
  - Expiry uses the same conditional transition as a guardian decision,
    so a request approved concurrently is skipped, not overwritten
  - Jobs do not overlap: a run still in progress skips the next tick

CONFIGURATION:
  - grace.expiry_schedule: cron expression (default: every 15 minutes)
  - grace.pending_timeout: age after which a request expires (default: 24h)
  An empty schedule or zero timeout disables the scheduler.

USAGE:
  scheduler := NewExpiryScheduler(service.Grace(), schedule, timeout, logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - screentime/grace.go: ExpireStale
  - cmd/server/main.go: expire-grace command (one-off run)
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer resolves stale pending requests.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
}

// ExpiryScheduler runs an Expirer on a cron schedule.
type ExpiryScheduler struct {
	expirer  Expirer
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

// NewExpiryScheduler creates a new scheduler. Nothing runs until Start.
func NewExpiryScheduler(expirer Expirer, schedule string, timeout time.Duration, logger *slog.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grace.scheduler")
	return &ExpiryScheduler{
		expirer:  expirer,
		schedule: schedule,
		timeout:  timeout,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		logger: logger,
		now:    time.Now,
	}
}

// Start schedules the expiry job. ctx bounds every run; cancelling it
// stops the scheduler.
func (s *ExpiryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.schedule == "" || s.timeout <= 0 {
		s.logger.Info("grace expiry disabled")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunNow(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule grace expiry: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("grace expiry scheduler started",
		"schedule", s.schedule,
		"pending_timeout", s.timeout.String(),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunNow performs one expiry pass and returns how many requests expired.
func (s *ExpiryScheduler) RunNow(ctx context.Context) int {
	n, err := s.expirer.ExpireStale(ctx, s.now().UTC(), s.timeout)
	if err != nil {
		s.logger.Error("grace expiry failed", "expired", n, "error", err)
		return n
	}
	if n > 0 {
		s.logger.Info("expired stale grace requests", "count", n)
	} else {
		s.logger.Debug("no stale grace requests")
	}
	return n
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("grace expiry scheduler stopped")
}

func (s *ExpiryScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled run, or nil when not scheduled.
func (s *ExpiryScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
