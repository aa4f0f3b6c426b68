// Package health implements the Health/Status Reporter (spec §4.G): an
// isolated scheduling loop that periodically gathers node resource usage
// and pushes it to the supervisor, surviving individual gather failures.
package health

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// NodeInfo is the per-interval sample pushed to the supervisor.
type NodeInfo struct {
	CPUPercent float64            `json:"cpu_percent"`
	MemUsedMB  uint64             `json:"mem_used_mb"`
	MemTotalMB uint64             `json:"mem_total_mb"`
	GPUUtil    map[int]float64    `json:"gpu_util,omitempty"`
	GPUMemMB   map[int]uint64     `json:"gpu_mem_used_mb,omitempty"`
	Extra      map[string]float64 `json:"extra,omitempty"`
}

// GPUProbe samples per-device utilization and memory use; the Device
// Accountant's VLLMProbe concern is unrelated and not reused here since
// this is a read-only telemetry probe, not an allocation policy input.
type GPUProbe func(ctx context.Context) (util map[int]float64, memMB map[int]uint64, err error)

const gatherTimeout = 2 * time.Second

// gather runs the CPU, memory, and (optional) GPU probes concurrently. The
// GPU probe receives a context bounded by gatherTimeout; gather itself
// waits for every probe to return, so the bound holds only as far as the
// GPU probe honours that context. A probe's failure is tolerated: its
// portion of NodeInfo is simply left zero.
func gather(ctx context.Context, gpuProbe GPUProbe) NodeInfo {
	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()

	var info NodeInfo
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		info.CPUPercent = cpuPercent()
		return nil
	})
	g.Go(func() error {
		used, total := memUsage()
		info.MemUsedMB = used
		info.MemTotalMB = total
		return nil
	})
	if gpuProbe != nil {
		g.Go(func() error {
			util, mem, err := gpuProbe(gctx)
			if err != nil {
				return nil // loss of the GPU sample alone must not drop the whole report
			}
			info.GPUUtil = util
			info.GPUMemMB = mem
			return nil
		})
	}

	_ = g.Wait() // every goroutine above already swallows its own error
	return info
}
