package snapshot

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Options configures the Snapshotter. Zero values are replaced with the
// documented defaults by New.
type Options struct {
	// MaxUsedMemoryRatio is the RSS/cap ratio above which the memory gauge
	// is overloaded. Default 0.7.
	MaxUsedMemoryRatio float64
	// MaxBlockedMillis is the event-loop-lag threshold (wall time over the
	// scheduled tick) above which the event-loop gauge is overloaded.
	MaxBlockedMillis float64
	// MaxUsedCPURatio is the CPU-utilization threshold above which the CPU
	// gauge is overloaded.
	MaxUsedCPURatio float64
	// MaxClientErrors is the number of throttle/429-equivalent signals in
	// the last interval above (>=) which the client gauge is overloaded.
	MaxClientErrors int

	// MemoryIntervalMillis is the memory gauge's sampling cadence.
	MemoryIntervalMillis int
	// EventLoopIntervalMillis is the event-loop gauge's tick interval.
	EventLoopIntervalMillis int
	// CPUIntervalMillis is the CPU gauge's sampling cadence.
	CPUIntervalMillis int
	// ClientIntervalMillis is the client gauge's sampling cadence.
	ClientIntervalMillis int

	// MaxHistoryWindowMillis bounds how long Snapshots are retained, beyond
	// the widest window SystemStatus reads; eviction keeps this many
	// milliseconds plus 5000 of slack.
	MaxHistoryWindowMillis int
}

func (o *Options) setDefaults() {
	if o.MaxUsedMemoryRatio == 0 {
		o.MaxUsedMemoryRatio = 0.7
	}
	if o.MaxBlockedMillis == 0 {
		o.MaxBlockedMillis = 50
	}
	if o.MaxUsedCPURatio == 0 {
		o.MaxUsedCPURatio = 0.95
	}
	if o.MaxClientErrors == 0 {
		o.MaxClientErrors = 1
	}
	if o.MemoryIntervalMillis == 0 {
		o.MemoryIntervalMillis = 1000
	}
	if o.EventLoopIntervalMillis == 0 {
		o.EventLoopIntervalMillis = 500
	}
	if o.CPUIntervalMillis == 0 {
		o.CPUIntervalMillis = 1000
	}
	if o.ClientIntervalMillis == 0 {
		o.ClientIntervalMillis = 1000
	}
	if o.MaxHistoryWindowMillis == 0 {
		o.MaxHistoryWindowMillis = 60_000 // matches the default historical window
	}
}

// Snapshotter samples the four resource gauges on independent schedules and
// retains a bounded history per gauge.
type Snapshotter struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	history map[string][]Snapshot

	clientErrorsMu sync.Mutex
	clientErrors   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Snapshotter. Call Start to begin sampling.
func New(opts Options, logger *slog.Logger) *Snapshotter {
	opts.setDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Snapshotter{
		opts:    opts,
		logger:  logger.With("component", "snapshotter"),
		history: make(map[string][]Snapshot),
	}
}

// Start launches one self-rescheduling goroutine per gauge.
func (s *Snapshotter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(4)
	go s.runGauge(ctx, GaugeMemory, time.Duration(s.opts.MemoryIntervalMillis)*time.Millisecond, s.sampleMemory)
	go s.runGauge(ctx, GaugeEventLoop, time.Duration(s.opts.EventLoopIntervalMillis)*time.Millisecond, s.sampleEventLoop)
	go s.runGauge(ctx, GaugeCPU, time.Duration(s.opts.CPUIntervalMillis)*time.Millisecond, s.sampleCPU)
	go s.runGauge(ctx, GaugeClient, time.Duration(s.opts.ClientIntervalMillis)*time.Millisecond, s.sampleClient)
}

// Stop cancels all gauge goroutines and waits for them to exit.
func (s *Snapshotter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// runGauge is the self-rescheduling periodic task shared by every gauge:
// sample, record, sleep until the next tick, repeat until ctx is done.
func (s *Snapshotter) runGauge(ctx context.Context, name string, interval time.Duration, sample func(scheduledInterval time.Duration) Snapshot) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := sample(interval)
			s.record(name, snap)
		}
	}
}

func (s *Snapshotter) record(gauge string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[gauge] = append(s.history[gauge], snap)
	s.evictLocked(gauge)
}

// evictLocked drops snapshots older than MaxHistoryWindowMillis plus a
// small slack. Caller must hold s.mu.
func (s *Snapshotter) evictLocked(gauge string) {
	cutoff := time.Now().Add(-time.Duration(s.opts.MaxHistoryWindowMillis+5_000) * time.Millisecond)
	hist := s.history[gauge]
	i := 0
	for i < len(hist) && hist[i].CreatedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.history[gauge] = append([]Snapshot(nil), hist[i:]...)
	}
}

// GetSample returns the subsequence of snapshots for gauge whose CreatedAt
// is within sinceMs of now.
func (s *Snapshotter) GetSample(gauge string, sinceMs int64) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(sinceMs) * time.Millisecond)
	hist := s.history[gauge]
	out := make([]Snapshot, 0, len(hist))
	for _, snap := range hist {
		if !snap.CreatedAt.Before(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

// AddClientError records a throttle/429-equivalent signal observed by a
// collaborator (e.g. the HTTP fetcher). Counted toward the next client
// gauge sample and reset on each tick.
func (s *Snapshotter) AddClientError() {
	s.clientErrorsMu.Lock()
	s.clientErrors++
	s.clientErrorsMu.Unlock()
}

func (s *Snapshotter) sampleMemory(time.Duration) Snapshot {
	cap := memoryCap()
	used := currentRSS()
	var ratio float64
	if cap > 0 {
		ratio = float64(used) / float64(cap)
	}
	return Snapshot{
		CreatedAt:    time.Now(),
		IsOverloaded: ratio > s.opts.MaxUsedMemoryRatio,
		Payload:      MemoryPayload{UsedBytes: used, TotalBytes: cap, Ratio: ratio},
	}
}

func (s *Snapshotter) sampleEventLoop(scheduledInterval time.Duration) Snapshot {
	// Lag is measured as the excess wall time the scheduler goroutine
	// observed beyond the ticker's scheduled interval. Since Go tickers
	// don't expose scheduling delay directly, we track the previous fire
	// time and compare.
	now := time.Now()
	s.mu.RLock()
	hist := s.history[GaugeEventLoop]
	var lag float64
	if len(hist) > 0 {
		prev := hist[len(hist)-1].CreatedAt
		actual := now.Sub(prev)
		lag = float64(actual-scheduledInterval) / float64(time.Millisecond)
		if lag < 0 {
			lag = 0
		}
	}
	s.mu.RUnlock()

	return Snapshot{
		CreatedAt:    now,
		IsOverloaded: lag > s.opts.MaxBlockedMillis,
		Payload:      EventLoopPayload{LagMillis: lag},
	}
}

func (s *Snapshotter) sampleCPU(time.Duration) Snapshot {
	ratio := sampleCPURatio()
	return Snapshot{
		CreatedAt:    time.Now(),
		IsOverloaded: ratio > s.opts.MaxUsedCPURatio,
		Payload:      CPUPayload{UsedRatio: ratio},
	}
}

func (s *Snapshotter) sampleClient(time.Duration) Snapshot {
	s.clientErrorsMu.Lock()
	count := s.clientErrors
	s.clientErrors = 0
	s.clientErrorsMu.Unlock()

	return Snapshot{
		CreatedAt:    time.Now(),
		IsOverloaded: count >= s.opts.MaxClientErrors,
		Payload:      ClientPayload{ErrorCount: count},
	}
}
