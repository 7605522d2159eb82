package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"optionflow/config"
	"optionflow/logger"
)

// State is the scheduler's position in its Idle/Running cycle.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Runner executes one cycle.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc is a function adapter for Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Scheduler runs cycles one at a time: once at start, then again once the
// interval has elapsed since the previous cycle completed. It checks whether
// a cycle is due on every poll tick.
type Scheduler struct {
	interval time.Duration
	pollTick time.Duration
	runner   Runner
	log      *logger.Log
	now      func() time.Time

	state  atomic.Int32
	cycles atomic.Int64

	mu      sync.Mutex
	nextDue time.Time
}

func New(cfg config.SchedulerConfig, runner Runner) *Scheduler {
	pollTick := cfg.PollTick
	if pollTick <= 0 {
		pollTick = time.Second
	}
	return &Scheduler{
		interval: cfg.Interval,
		pollTick: pollTick,
		runner:   runner,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// State reports whether a cycle is in progress.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Cycles returns the number of cycles started so far.
func (s *Scheduler) Cycles() int64 {
	return s.cycles.Load()
}

// NextDue returns when the next cycle becomes eligible to start.
func (s *Scheduler) NextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDue
}

// Run blocks until ctx is cancelled. Cancellation is only observed between
// cycles; a cycle in progress always runs to completion.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"interval":  s.interval.String(),
		"poll_tick": s.pollTick.String(),
	})
	log.Info("scheduler started")

	s.runCycle(ctx)

	ticker := time.NewTicker(s.pollTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.WithFields(logger.Fields{"cycles": s.Cycles()}).Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if s.now().Before(s.NextDue()) {
				continue
			}
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	n := s.cycles.Add(1)
	s.state.Store(int32(Running))
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{"cycle": n})
	started := s.now()

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"panic":     fmt.Sprint(r),
				"stack":     string(debug.Stack()),
				"failed_at": s.now().Format(time.RFC3339),
			}).Error("cycle panicked")
		}
		completed := s.now()
		s.mu.Lock()
		s.nextDue = completed.Add(s.interval)
		s.mu.Unlock()
		s.state.Store(int32(Idle))
		log.WithFields(logger.Fields{
			"duration_ms": completed.Sub(started).Milliseconds(),
			"next_due":    completed.Add(s.interval).Format(time.RFC3339),
		}).Debug("cycle finished")
	}()

	if err := s.runner.Run(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"failed_at": s.now().Format(time.RFC3339),
		}).Error("cycle failed")
	}
}
