package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cortexnode/worker/internal/logging"
	"github.com/cortexnode/worker/internal/metrics"
)

// SupervisorFacade is the outbound surface the reporter needs to push a
// sample (spec §4.I Supervisor Client, "report_worker_status").
type SupervisorFacade interface {
	ReportWorkerStatus(ctx context.Context, address string, info NodeInfo) error
}

// Config configures the reporter loop.
type Config struct {
	Address  string
	Interval time.Duration
	GPUProbe GPUProbe
}

// Reporter runs the Health/Status Reporter on its own OS thread (spec
// "isolated scheduling loop... so that a busy main loop cannot delay
// heartbeats"), surviving individual gather/push failures and exiting
// only when Stop is called or its context is cancelled.
type Reporter struct {
	sup SupervisorFacade
	cfg Config

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

const defaultInterval = 10 * time.Second

// New constructs a Reporter.
func New(sup SupervisorFacade, cfg Config) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Reporter{sup: sup, cfg: cfg, stopCh: make(chan struct{})}
}

// Start spawns the isolated reporting loop goroutine, pinning it to its
// own OS thread so the main scheduling loop's business can't starve it.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop tears down the isolated loop (spec §5 "the isolated health loop is
// torn down in the Worker's pre-destroy hook").
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reporter) tick(ctx context.Context) {
	start := time.Now()
	info := gather(ctx, r.cfg.GPUProbe)
	metrics.ObserveHealthReportLatency(time.Since(start))

	if err := r.sup.ReportWorkerStatus(ctx, r.cfg.Address, info); err != nil {
		metrics.RecordHealthGatherError()
		logging.Op().Warn("report worker status failed, will retry next interval", "error", err)
	}
}
