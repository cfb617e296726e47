package snapshot

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// memoryCap returns the byte ceiling to measure RSS against: a cgroup v2
// memory.max, else a cgroup v1 memory.limit_in_bytes, else total host
// memory via sysinfo. This is the standard v2-then-v1-then-host fallback
// order for containerized resource attribution.
func memoryCap() uint64 {
	if v, ok := readCgroupV2Max(); ok {
		return v
	}
	if v, ok := readCgroupV1Limit(); ok {
		return v
	}
	return hostTotalMemory()
}

func readCgroupV2Max() (uint64, bool) {
	data, err := os.ReadFile("/sys/fs/cgroup/memory.max")
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readCgroupV1Limit() (uint64, bool) {
	data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes")
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	// An unset v1 limit reads back as a very large (near-MaxInt64) value;
	// treat that as "no limit" and fall through to host memory.
	const unsetThreshold = uint64(1) << 62
	if v > unsetThreshold {
		return 0, false
	}
	return v, true
}

func hostTotalMemory() uint64 {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}

// currentRSS reads this process's resident set size from /proc/self/statm
// (field 2, in pages).
func currentRSS() uint64 {
	f, err := os.Open("/proc/self/statm")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 256), 256)
	if !scanner.Scan() {
		return 0
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * uint64(os.Getpagesize())
}
