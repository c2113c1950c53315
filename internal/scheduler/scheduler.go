// Package scheduler runs the engine's periodic jobs.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sjq/engine/internal/infrastructure/logger"
)

// Job is one independently scheduled unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context)
}

type entry struct {
	job          Job
	initialDelay time.Duration
	period       time.Duration
}

// Scheduler runs every registered job in its own goroutine. A run is never
// interrupted; Stop prevents further runs and waits for in-flight ones.
type Scheduler struct {
	logger *logger.Logger

	mu      sync.Mutex
	entries []entry
	runCtx  context.Context
	stop    chan struct{}
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		logger: log,
		stop:   make(chan struct{}),
	}
}

// Add registers job. A period of zero or less disables it.
func (s *Scheduler) Add(job Job, initialDelay, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if period <= 0 {
		s.logger.Warnw("scheduler_job_disabled", "job", job.Name(), "period", period)
		return
	}
	if initialDelay < 0 {
		initialDelay = 0
	}
	e := entry{job: job, initialDelay: initialDelay, period: period}
	s.entries = append(s.entries, e)
	if s.started && !s.stopped {
		s.launch(e)
	}
}

// Start launches the registered jobs. Runs receive ctx with its cancellation
// stripped so a shutdown never cuts one short.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx = context.WithoutCancel(ctx)

	for _, e := range s.entries {
		s.launch(e)
	}
	s.logger.Infow("scheduler_started", "jobs", len(s.entries))
}

// Stop prevents further runs and waits for the ones in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Infow("scheduler_stopped")
}

func (s *Scheduler) launch(e entry) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(e)
	}()
	s.logger.Infow("scheduler_job_scheduled", "job", e.job.Name(), "initial_delay", e.initialDelay, "period", e.period)
}

func (s *Scheduler) loop(e entry) {
	delay := time.NewTimer(e.initialDelay)
	defer delay.Stop()

	select {
	case <-s.stop:
		return
	case <-delay.C:
	}
	s.runOnce(e.job)

	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Stop may have raced with the tick
			select {
			case <-s.stop:
				return
			default:
			}
			s.runOnce(e.job)
		}
	}
}

func (s *Scheduler) runOnce(job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("scheduler_job_panic", "job", job.Name(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	job.Run(s.runCtx)
	s.logger.Debugw("scheduler_job_done", "job", job.Name(), "duration_ms", time.Since(start).Milliseconds())
}
