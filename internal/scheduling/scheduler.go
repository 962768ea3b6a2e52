package scheduling

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// RunFunc is one invocation of a batch job.
type RunFunc func(ctx context.Context, now time.Time) error

// Job is a named batch job run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      RunFunc
}

// Scheduler triggers jobs on their intervals. A tick that arrives while the previous
// run of the same job is still in flight is skipped; different jobs run independently.
// Acquire and Release let other callers share that exclusion.
type Scheduler struct {
	jobs   []Job
	clock  func() time.Time
	logger *log.Logger

	mu      sync.Mutex
	running map[string]bool
}

// Option customizes the scheduler.
type Option func(*Scheduler)

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(jobs []Job, opts ...Option) (*Scheduler, error) {
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if job.Name == "" || job.Run == nil {
			return nil, errors.New("scheduler: job requires name and run func")
		}
		if job.Interval <= 0 {
			return nil, errors.New("scheduler: job interval must be positive")
		}
		if seen[job.Name] {
			return nil, errors.New("scheduler: duplicate job " + job.Name)
		}
		seen[job.Name] = true
	}
	s := &Scheduler{
		jobs:    jobs,
		clock:   func() time.Time { return time.Now().UTC() },
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs every job loop until ctx is done, then waits for in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Acquire(job.Name) {
				s.logf("scheduler: skip tick, previous run in flight: job=%s", job.Name)
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer s.Release(job.Name)
				s.runOnce(ctx, job)
			}()
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	started := time.Now()
	if err := job.Run(ctx, s.clock()); err != nil {
		s.logf("scheduler: run failed: job=%s err=%v", job.Name, err)
		return
	}
	s.logf("scheduler: run finished: job=%s duration=%s", job.Name, time.Since(started))
}

// Acquire marks name running; false means a run is already in flight.
func (s *Scheduler) Acquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

// Release marks name idle.
func (s *Scheduler) Release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
