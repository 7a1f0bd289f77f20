// Package scheduler owns the periodic trigger for the auto-hold sweep.
// One scheduler per process; the composition root constructs it and the
// control endpoint drives it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/pubbs-ride/internal/models"
)

// SweepRunner is what a tick invokes. The sweep runs in-process; no
// network hop between the scheduler and the scanner.
type SweepRunner interface {
	RunSweep(ctx context.Context) (models.SweepResult, error)
}

// SchedulerStateError marks an invalid control action. No side effect
// has taken place when it is returned.
type SchedulerStateError struct {
	Action string
}

func (e *SchedulerStateError) Error() string {
	return fmt.Sprintf("unknown scheduler action %q", e.Action)
}

// TickerFactory lets tests substitute a hand-driven tick channel for a
// real time.Ticker. It returns the tick channel and a stop function.
type TickerFactory func(interval time.Duration) (<-chan time.Time, func())

func realTicker(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

type Scheduler struct {
	Runner SweepRunner
	Logger *slog.Logger

	// NewTicker defaults to a real time.Ticker when nil.
	NewTicker TickerFactory

	mu       sync.Mutex
	running  bool
	interval time.Duration
	cancel   chan struct{}
	done     chan struct{}
}

// Start begins periodic sweeping. Calling Start while running clears
// the previous timer first, so there is never more than one live timer
// in the process.
func (s *Scheduler) Start(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	factory := s.NewTicker
	if factory == nil {
		factory = realTicker
	}
	ticks, stopTicker := factory(interval)

	cancel := make(chan struct{})
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running = true
	s.interval = interval

	go s.loop(ticks, stopTicker, cancel, done)
	s.Logger.Info("scheduler started", "interval", interval.String())
}

func (s *Scheduler) loop(ticks <-chan time.Time, stopTicker func(), cancel, done chan struct{}) {
	defer close(done)
	defer stopTicker()
	for {
		select {
		case <-cancel:
			return
		case <-ticks:
			// Re-check after waking: a Stop racing the tick must win.
			select {
			case <-cancel:
				return
			default:
			}
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	res, err := s.Runner.RunSweep(context.Background())
	if err != nil {
		// A failed sweep never stops the timer; the next tick gets a
		// fresh chance.
		s.Logger.Error("scheduled sweep failed", "error", err)
		return
	}
	s.Logger.Debug("scheduled sweep done",
		"processed_users", res.ProcessedUsers,
		"users_set_on_hold", res.UsersSetOnHold,
	)
}

// Stop halts periodic sweeping. Safe to call at any time, including
// mid-tick: an in-flight sweep completes, but no new tick fires.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if !s.running {
		return
	}
	close(s.cancel)
	// Wait for the loop to exit; an in-flight sweep completes, but no
	// tick fires after this returns.
	<-s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.Logger.Info("scheduler stopped")
}

// Status reports whether the timer is live. Supervisory health checks
// use this to restart a wedged scheduler, so it must tell the truth.
type Status struct {
	IsRunning bool          `json:"isRunning"`
	Interval  time.Duration `json:"-"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{IsRunning: s.running, Interval: s.interval}
}
