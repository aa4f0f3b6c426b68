//go:build linux

package health

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// memUsage reports used/total memory in MB via the sysinfo(2) syscall.
func memUsage() (usedMB, totalMB uint64) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	totalBytes := uint64(si.Totalram) * unit
	freeBytes := uint64(si.Freeram) * unit
	const mb = 1024 * 1024
	totalMB = totalBytes / mb
	usedMB = (totalBytes - freeBytes) / mb
	return usedMB, totalMB
}

var (
	cpuMu       sync.Mutex
	lastIdle    uint64
	lastTotal   uint64
	lastSampled time.Time
)

// cpuPercent computes CPU busy percentage from the delta between two
// /proc/stat samples, falling back to 0 on the first call (no prior
// sample to diff against) — mirrors the standard "two /proc/stat reads"
// technique used by most Linux resource monitors.
func cpuPercent() float64 {
	idle, total, err := readProcStat()
	if err != nil {
		return 0
	}

	cpuMu.Lock()
	defer cpuMu.Unlock()

	prevIdle, prevTotal := lastIdle, lastTotal
	lastIdle, lastTotal, lastSampled = idle, total, time.Now()

	if prevTotal == 0 || total <= prevTotal {
		return 0
	}
	idleDelta := idle - prevIdle
	totalDelta := total - prevTotal
	if totalDelta == 0 {
		return 0
	}
	busy := float64(totalDelta-idleDelta) / float64(totalDelta)
	return busy * 100
}

func readProcStat() (idle, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, 0, sc.Err()
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, nil
	}
	var sum uint64
	for _, f := range fields[1:] {
		v, _ := strconv.ParseUint(f, 10, 64)
		sum += v
	}
	idleVal, _ := strconv.ParseUint(fields[4], 10, 64)
	return idleVal, sum, nil
}
