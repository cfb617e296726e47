package snapshot

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
)

// cpuSample is a raw /proc/stat "cpu" line reading, in USER_HZ jiffies.
type cpuSample struct {
	idle  uint64
	total uint64
}

var (
	lastCPUMu     sync.Mutex
	lastCPUSample cpuSample
	haveLastCPU   bool
)

// sampleCPURatio returns the fraction of CPU time busy since the previous
// call, by differencing two /proc/stat aggregate readings. cgroup v2
// exposes cpu.stat usec_usage, but that needs a wall-clock baseline this
// sampler doesn't otherwise track, so it uses the host-wide /proc/stat
// jiffy counters instead, the same fallback cgroup-v1 hosts require.
func sampleCPURatio() float64 {
	cur, ok := readProcStatCPU()
	if !ok {
		return 0
	}

	lastCPUMu.Lock()
	defer lastCPUMu.Unlock()

	if !haveLastCPU {
		lastCPUSample = cur
		haveLastCPU = true
		return 0
	}

	deltaTotal := cur.total - lastCPUSample.total
	deltaIdle := cur.idle - lastCPUSample.idle
	lastCPUSample = cur

	if deltaTotal == 0 {
		return 0
	}
	busy := deltaTotal - deltaIdle
	return float64(busy) / float64(deltaTotal)
}

func readProcStatCPU() (cpuSample, bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuSample{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuSample{}, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuSample{}, false
	}

	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle is the 4th value (index 3) after "cpu"
			idle = v
		}
	}
	return cpuSample{idle: idle, total: total}, true
}
