package autoscaledpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/crawlkit/crawlkit/internal/sysstatus"
)

type fixedStatus struct {
	idle bool
}

func (f fixedStatus) GetHistoricalStatus() sysstatus.Status {
	return sysstatus.Status{IsSystemIdle: f.idle}
}

func countingHooks(limit int, completed *int64) Hooks {
	var started int64
	return Hooks{
		IsTaskReady: func() bool { return atomic.LoadInt64(&started) < int64(limit) },
		IsFinished:  func() bool { return atomic.LoadInt64(completed) >= int64(limit) },
		RunTask: func(ctx context.Context) error {
			atomic.AddInt64(&started, 1)
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(completed, 1)
			return nil
		},
	}
}

func TestConcurrencyOneRunsTasksSerially(t *testing.T) {
	defer goleak.VerifyNone(t)

	var completed int64
	p := New(Options{MinConcurrency: 1, MaxConcurrency: 1, MaybeRunInterval: 5 * time.Millisecond}, countingHooks(5, &completed), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt64(&completed) != 5 {
		t.Fatalf("expected 5 completed tasks, got %d", completed)
	}
}

func TestConcurrencyTenRunsTasksInParallel(t *testing.T) {
	defer goleak.VerifyNone(t)

	var completed int64
	p := New(Options{MinConcurrency: 10, MaxConcurrency: 10, MaybeRunInterval: 5 * time.Millisecond}, countingHooks(30, &completed), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	elapsed := time.Since(start)

	if atomic.LoadInt64(&completed) != 30 {
		t.Fatalf("expected 30 completed tasks, got %d", completed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected high concurrency to finish well under 2s, took %v", elapsed)
	}
}

func TestMaxTasksPerMinuteThrottlesStarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	var completed int64
	hooks := countingHooks(2, &completed)
	p := New(Options{
		MinConcurrency:    1,
		MaxConcurrency:    1,
		MaybeRunInterval:  5 * time.Millisecond,
		MaxTasksPerMinute: 1,
	}, hooks, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	start := time.Now()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	elapsed := time.Since(start)

	if atomic.LoadInt64(&completed) != 2 {
		t.Fatalf("expected 2 completed tasks, got %d", completed)
	}
	if elapsed < 50*time.Second {
		t.Fatalf("expected the second task to be throttled by ~60s, only took %v", elapsed)
	}
}

func TestTasksNeverStartAfterFinished(t *testing.T) {
	defer goleak.VerifyNone(t)

	var started int64
	finished := int32(0)
	hooks := Hooks{
		IsTaskReady: func() bool { return true },
		IsFinished:  func() bool { return atomic.LoadInt32(&finished) == 1 },
		RunTask: func(ctx context.Context) error {
			atomic.AddInt64(&started, 1)
			return nil
		},
	}

	p := New(Options{MinConcurrency: 1, MaxConcurrency: 1, MaybeRunInterval: 2 * time.Millisecond}, hooks, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
	}()
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	countAtFinish := atomic.LoadInt64(&started)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&started) != countAtFinish {
		t.Fatalf("expected no further task starts once latched finished, started grew from %d to %d", countAtFinish, started)
	}
}

func TestMinEqualsMaxConcurrencyDisablesScaling(t *testing.T) {
	defer goleak.VerifyNone(t)

	var completed int64
	p := New(Options{MinConcurrency: 1, MaxConcurrency: 1, MaybeRunInterval: 5 * time.Millisecond}, countingHooks(3, &completed), fixedStatus{idle: true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.DesiredConcurrency() != 1 {
		t.Fatalf("expected desiredConcurrency to stay pinned at 1, got %d", p.DesiredConcurrency())
	}
}

func TestRunTaskErrorRejectsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := context.Canceled
	hooks := Hooks{
		IsTaskReady: func() bool { return true },
		IsFinished:  func() bool { return false },
		RunTask:     func(ctx context.Context) error { return boom },
	}

	p := New(Options{MinConcurrency: 1, MaxConcurrency: 1, MaybeRunInterval: 2 * time.Millisecond}, hooks, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.Run(ctx); err != boom {
		t.Fatalf("expected Run to reject with the task's error, got %v", err)
	}
}
