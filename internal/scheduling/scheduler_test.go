package scheduling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var (
		active  int32
		maxSeen int32
		runs    int32
	)
	job := Job{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context, now time.Time) error {
			n := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxSeen)
				if n <= prev || atomic.CompareAndSwapInt32(&maxSeen, prev, n) {
					break
				}
			}
			atomic.AddInt32(&runs, 1)
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		},
	}
	s, err := NewScheduler([]Job{job})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if got := atomic.LoadInt32(&maxSeen); got != 1 {
		t.Fatalf("expected at most one concurrent run, got %d", got)
	}
	if atomic.LoadInt32(&runs) == 0 {
		t.Fatalf("expected the job to run")
	}
}

func TestSchedulerRunsJobsIndependently(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) RunFunc {
		return func(ctx context.Context, now time.Time) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			if name == "failing" {
				return errors.New("boom")
			}
			return nil
		}
	}
	s, err := NewScheduler([]Job{
		{Name: "aggregate", Interval: 5 * time.Millisecond, Run: record("aggregate")},
		{Name: "failing", Interval: 5 * time.Millisecond, Run: record("failing")},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	mu.Lock()
	defer mu.Unlock()
	if counts["aggregate"] < 2 || counts["failing"] < 2 {
		t.Fatalf("expected repeated runs for both jobs, got %v", counts)
	}
}

func TestSchedulerSkipsTickWhileAcquiredElsewhere(t *testing.T) {
	var runs int32
	s, err := NewScheduler([]Job{{
		Name:     "detect",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context, now time.Time) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if !s.Acquire("detect") {
		t.Fatalf("expected acquire")
	}
	if s.Acquire("detect") {
		t.Fatalf("expected second acquire refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	s.Start(ctx)
	cancel()
	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Fatalf("expected ticks skipped while held, got %d runs", got)
	}

	s.Release("detect")
	ctx, cancel = context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	s.Start(ctx)
	if atomic.LoadInt32(&runs) == 0 {
		t.Fatalf("expected runs after release")
	}
}

func TestNewSchedulerValidatesJobs(t *testing.T) {
	run := func(ctx context.Context, now time.Time) error { return nil }
	cases := [][]Job{
		{{Name: "", Interval: time.Second, Run: run}},
		{{Name: "a", Interval: 0, Run: run}},
		{{Name: "a", Interval: time.Second}},
		{{Name: "a", Interval: time.Second, Run: run}, {Name: "a", Interval: time.Second, Run: run}},
	}
	for i, jobs := range cases {
		if _, err := NewScheduler(jobs); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
