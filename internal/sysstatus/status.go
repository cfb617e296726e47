// Package sysstatus folds the Snapshotter's per-gauge history into a single
// idle/overloaded verdict over two sliding windows, the same roll-up the
// AutoscaledPool reads on every scaling tick.
package sysstatus

import (
	"github.com/crawlkit/crawlkit/internal/snapshot"
)

// Window widths, in milliseconds.
const (
	DefaultCurrentWindowMillis    = 5_000
	DefaultHistoricalWindowMillis = 60_000
)

// Options configures the per-gauge overload thresholds. A ratio strictly
// above its threshold marks that gauge overloaded; a ratio equal to the
// threshold is still idle.
type Options struct {
	MaxMemoryOverloadedRatio    float64
	MaxEventLoopOverloadedRatio float64
	MaxCPUOverloadedRatio       float64
	MaxClientOverloadedRatio    float64

	CurrentWindowMillis    int64
	HistoricalWindowMillis int64
}

func (o *Options) setDefaults() {
	if o.MaxMemoryOverloadedRatio == 0 {
		o.MaxMemoryOverloadedRatio = 0.7
	}
	if o.MaxEventLoopOverloadedRatio == 0 {
		o.MaxEventLoopOverloadedRatio = 0.7
	}
	if o.MaxCPUOverloadedRatio == 0 {
		o.MaxCPUOverloadedRatio = 0.7
	}
	if o.MaxClientOverloadedRatio == 0 {
		o.MaxClientOverloadedRatio = 0.7
	}
	if o.CurrentWindowMillis == 0 {
		o.CurrentWindowMillis = DefaultCurrentWindowMillis
	}
	if o.HistoricalWindowMillis == 0 {
		o.HistoricalWindowMillis = DefaultHistoricalWindowMillis
	}
}

// Status is the result of folding one window's samples across all gauges.
type Status struct {
	IsSystemIdle    bool
	OverloadedRatio map[string]float64
}

// Source is the subset of *snapshot.Snapshotter that Status needs, so tests
// can supply a fake history without running the real sampling goroutines.
type Source interface {
	GetSample(gauge string, sinceMs int64) []snapshot.Snapshot
}

// Checker computes current/historical system status from a Snapshotter.
type Checker struct {
	source Source
	opts   Options
}

// New builds a Checker reading from source.
func New(source Source, opts Options) *Checker {
	opts.setDefaults()
	return &Checker{source: source, opts: opts}
}

// GetCurrentStatus folds the short (current) window.
func (c *Checker) GetCurrentStatus() Status {
	return c.status(c.opts.CurrentWindowMillis)
}

// GetHistoricalStatus folds the long (historical) window.
func (c *Checker) GetHistoricalStatus() Status {
	return c.status(c.opts.HistoricalWindowMillis)
}

func (c *Checker) status(windowMillis int64) Status {
	ratios := map[string]float64{
		snapshot.GaugeMemory:    c.gaugeRatio(snapshot.GaugeMemory, windowMillis),
		snapshot.GaugeEventLoop: c.gaugeRatio(snapshot.GaugeEventLoop, windowMillis),
		snapshot.GaugeCPU:       c.gaugeRatio(snapshot.GaugeCPU, windowMillis),
		snapshot.GaugeClient:    c.gaugeRatio(snapshot.GaugeClient, windowMillis),
	}

	idle := ratios[snapshot.GaugeMemory] <= c.opts.MaxMemoryOverloadedRatio &&
		ratios[snapshot.GaugeEventLoop] <= c.opts.MaxEventLoopOverloadedRatio &&
		ratios[snapshot.GaugeCPU] <= c.opts.MaxCPUOverloadedRatio &&
		ratios[snapshot.GaugeClient] <= c.opts.MaxClientOverloadedRatio

	return Status{IsSystemIdle: idle, OverloadedRatio: ratios}
}

func (c *Checker) gaugeRatio(gauge string, windowMillis int64) float64 {
	samples := c.source.GetSample(gauge, windowMillis)
	if len(samples) == 0 {
		return 0
	}
	overloaded := 0
	for _, s := range samples {
		if s.IsOverloaded {
			overloaded++
		}
	}
	return float64(overloaded) / float64(len(samples))
}
