// Package statistics tracks job timing and retry counts across a crawler
// run, periodically serializing its state through a KeyValueStore and
// rehydrating it on restart.
package statistics

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"
)

// JobRecord tracks one in-flight or completed unit of work.
type JobRecord struct {
	StartedAt  time.Time
	FinishedAt *time.Time
	RetryCount int
}

// Store is the persistence dependency Statistics saves through.
type Store interface {
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	SetValue(ctx context.Context, key string, value []byte, contentType string) error
}

// Snapshot is the aggregate view returned by GetCurrent.
type Snapshot struct {
	AvgDurationMillis float64
	PerMinute         float64
	Finished          int
	Failed            int
	RetryHistogram    map[int]int
}

// Statistics aggregates job durations, throughput, and retry counts for a
// single crawler run, identified by id (used to derive its persistence key).
type Statistics struct {
	mu sync.Mutex

	id    string
	store Store

	jobs map[string]*JobRecord

	totalDurationMillis float64
	finishedCount       int
	failedCount         int
	retryHistogram      map[int]int

	startedAt time.Time
}

// New creates a Statistics aggregator for the run identified by id. store
// may be nil, in which case persistence is a no-op.
func New(id string, store Store) *Statistics {
	return &Statistics{
		id:             id,
		store:          store,
		jobs:           make(map[string]*JobRecord),
		retryHistogram: make(map[int]int),
		startedAt:      time.Now(),
	}
}

// PersistenceKey returns the stable key this run's state is saved under.
func (s *Statistics) PersistenceKey() string {
	return "SDK_CRAWLER_STATISTICS_" + s.id
}

// StartJob records a job's start time. If jobID has any prior record,
// finished or not, its retry count is incremented, its start time is reset
// and its finish time is cleared.
func (s *Statistics) StartJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.jobs[jobID]; ok {
		rec.RetryCount++
		rec.StartedAt = time.Now()
		rec.FinishedAt = nil
		return
	}
	s.jobs[jobID] = &JobRecord{StartedAt: time.Now()}
}

// FinishJob records the job's duration into the running average and
// increments the finished count.
func (s *Statistics) FinishJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return
	}
	now := time.Now()
	rec.FinishedAt = &now

	duration := now.Sub(rec.StartedAt).Seconds() * 1000
	s.totalDurationMillis += duration
	s.finishedCount++
	s.retryHistogram[rec.RetryCount]++
}

// FailJob increments the failed count. It does not contribute to the
// average duration.
func (s *Statistics) FailJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCount++
	if rec, ok := s.jobs[jobID]; ok {
		s.retryHistogram[rec.RetryCount]++
	}
}

// GetCurrent returns the aggregate statistics computed so far.
func (s *Statistics) GetCurrent() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := math.Inf(1)
	if s.finishedCount > 0 {
		avg = s.totalDurationMillis / float64(s.finishedCount)
	}

	elapsedMs := time.Since(s.startedAt).Seconds() * 1000
	var perMinute float64
	if elapsedMs > 0 {
		perMinute = math.Round(float64(s.finishedCount) / (elapsedMs / 60000))
	}

	hist := make(map[int]int, len(s.retryHistogram))
	for k, v := range s.retryHistogram {
		hist[k] = v
	}

	return Snapshot{
		AvgDurationMillis: avg,
		PerMinute:         perMinute,
		Finished:          s.finishedCount,
		Failed:            s.failedCount,
		RetryHistogram:    hist,
	}
}

type persistedState struct {
	TotalDurationMillis float64     `json:"totalDurationMillis"`
	FinishedCount       int         `json:"finishedCount"`
	FailedCount         int         `json:"failedCount"`
	RetryHistogram      map[int]int `json:"retryHistogram"`
	StartedAt           time.Time   `json:"startedAt"`
}

// Persist serializes the aggregate state (not in-flight job records) to the
// configured Store under PersistenceKey.
func (s *Statistics) Persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	state := persistedState{
		TotalDurationMillis: s.totalDurationMillis,
		FinishedCount:       s.finishedCount,
		FailedCount:         s.failedCount,
		RetryHistogram:      s.retryHistogram,
		StartedAt:           s.startedAt,
	}
	s.mu.Unlock()

	buf, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.store.SetValue(ctx, s.PersistenceKey(), buf, "application/json")
}

// Rehydrate loads previously persisted aggregate state, if any exists.
func (s *Statistics) Rehydrate(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	buf, ok, err := s.store.GetValue(ctx, s.PersistenceKey())
	if err != nil || !ok {
		return err
	}

	var state persistedState
	if err := json.Unmarshal(buf, &state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalDurationMillis = state.TotalDurationMillis
	s.finishedCount = state.FinishedCount
	s.failedCount = state.FailedCount
	if state.RetryHistogram != nil {
		s.retryHistogram = state.RetryHistogram
	}
	if !state.StartedAt.IsZero() {
		s.startedAt = state.StartedAt
	}
	return nil
}
