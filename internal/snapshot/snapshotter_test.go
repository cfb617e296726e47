package snapshot

import (
	"context"
	"testing"
	"time"
)

func TestGetSampleFiltersBySince(t *testing.T) {
	s := New(Options{}, nil)
	now := time.Now()
	s.history[GaugeMemory] = []Snapshot{
		{CreatedAt: now.Add(-10 * time.Second)},
		{CreatedAt: now.Add(-4 * time.Second)},
		{CreatedAt: now.Add(-1 * time.Second)},
	}

	got := s.GetSample(GaugeMemory, 5000)
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots within 5s window, got %d", len(got))
	}
}

func TestEvictLockedDropsStaleSnapshots(t *testing.T) {
	s := New(Options{MaxHistoryWindowMillis: 1000}, nil)
	now := time.Now()
	s.mu.Lock()
	s.history[GaugeCPU] = []Snapshot{
		{CreatedAt: now.Add(-1 * time.Hour)},
		{CreatedAt: now},
	}
	s.evictLocked(GaugeCPU)
	remaining := len(s.history[GaugeCPU])
	s.mu.Unlock()

	if remaining != 1 {
		t.Fatalf("expected stale snapshot evicted, got %d remaining", remaining)
	}
}

func TestSampleMemoryOverloadThreshold(t *testing.T) {
	s := New(Options{MaxUsedMemoryRatio: 0.5}, nil)
	snap := s.sampleMemory(0)
	payload, ok := snap.Payload.(MemoryPayload)
	if !ok {
		t.Fatalf("expected MemoryPayload, got %T", snap.Payload)
	}
	if snap.IsOverloaded != (payload.Ratio > 0.5) {
		t.Fatalf("overload flag inconsistent with ratio: overloaded=%v ratio=%v", snap.IsOverloaded, payload.Ratio)
	}
}

func TestAddClientErrorAccumulatesUntilSampled(t *testing.T) {
	s := New(Options{MaxClientErrors: 2}, nil)
	s.AddClientError()
	s.AddClientError()
	s.AddClientError()

	snap := s.sampleClient(0)
	payload := snap.Payload.(ClientPayload)
	if payload.ErrorCount != 3 {
		t.Fatalf("expected 3 accumulated errors, got %d", payload.ErrorCount)
	}
	if !snap.IsOverloaded {
		t.Fatalf("expected overloaded with 3 errors >= threshold 2")
	}

	// Counter resets after a sample.
	snap2 := s.sampleClient(0)
	if snap2.Payload.(ClientPayload).ErrorCount != 0 {
		t.Fatalf("expected counter reset to 0 after sampling")
	}
	if snap2.IsOverloaded {
		t.Fatalf("expected not overloaded with 0 errors")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s := New(Options{
		MemoryIntervalMillis:    10,
		EventLoopIntervalMillis: 10,
		CPUIntervalMillis:       10,
		ClientIntervalMillis:    10,
	}, nil)

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if len(s.GetSample(GaugeMemory, 60_000)) == 0 {
		t.Fatalf("expected at least one memory sample after running")
	}
}
