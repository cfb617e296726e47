// Package snapshot implements the Snapshotter: a periodic sampler of
// resource gauges (memory, event-loop lag, CPU, client throttling) that
// retains a bounded, per-gauge history for SystemStatus to fold into an
// idle/overloaded verdict.
//
// Scheduling is one self-rescheduling goroutine per gauge, each cancellable
// via context.
package snapshot

import "time"

// Gauge names.
const (
	GaugeMemory    = "memory"
	GaugeEventLoop = "event_loop"
	GaugeCPU       = "cpu"
	GaugeClient    = "client"
)

// Snapshot is a single timestamped reading for one resource gauge.
type Snapshot struct {
	CreatedAt    time.Time
	IsOverloaded bool
	Payload      any
}

// MemoryPayload is the Payload carried by a memory gauge Snapshot.
type MemoryPayload struct {
	UsedBytes  uint64
	TotalBytes uint64
	Ratio      float64
}

// EventLoopPayload is the Payload carried by an event-loop-lag Snapshot.
type EventLoopPayload struct {
	LagMillis float64
}

// CPUPayload is the Payload carried by a CPU gauge Snapshot.
type CPUPayload struct {
	UsedRatio float64
}

// ClientPayload is the Payload carried by a client-throttling Snapshot.
type ClientPayload struct {
	ErrorCount int
}
