package launch

import (
	"context"
	"fmt"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/logging"
	"github.com/cortexnode/worker/internal/metrics"
	"github.com/cortexnode/worker/internal/venv"
)

// LaunchResult is returned by Launch: either a bare sub-pool address, or an
// address plus driver info when (n_worker > 1 && shard == 0) per spec
// "After commit".
type LaunchResult struct {
	SubPoolAddress string
	DriverInfo     domain.DriverInfo
	HasDriverInfo  bool
}

// checkpoint re-reads the Guard's cancel flag at one of the explicit
// suspension points of spec §5. Returns a Cancelled error if set.
func (c *Controller) checkpoint(uid string) error {
	c.mu.Lock()
	g, ok := c.guard[uid]
	cancelled := ok && g.cancelled
	c.mu.Unlock()
	if !ok {
		return domain.NotLaunching("launch for " + uid + " was already unwound")
	}
	if cancelled {
		return domain.Cancelled(domain.ErrCancelledLaunchMsg)
	}
	return nil
}

// Launch drives the full state machine of spec §4.E.
func (c *Controller) Launch(ctx context.Context, args domain.LaunchArgs) (LaunchResult, error) {
	uid := args.ModelUID
	origin, _ := domain.ParseReplicaUID(uid)
	snapshot := args.Clone() // step 1: snapshot before any side effect

	c.sup.ReportEvent(ctx, "info", origin, "Launch model") // step 2, best-effort

	gpuIdx, err := c.validate(args)
	if err != nil {
		return LaunchResult{}, err
	}

	c.mu.Lock()
	c.guard[uid] = &GuardEntry{}
	c.mu.Unlock()

	result, err := c.runStateMachine(ctx, args, snapshot, gpuIdx)
	if err != nil {
		c.unwind(ctx, uid, origin, string(args.ModelType), err)
		return LaunchResult{}, err
	}
	return result, nil
}

func (c *Controller) runStateMachine(ctx context.Context, args, snapshot domain.LaunchArgs, gpuIdx []int) (LaunchResult, error) {
	uid := args.ModelUID

	// EnvReady: prepare the virtualenv off the main loop. Long-running and
	// CPU-bound in the reference system; here simply synchronous since Go
	// goroutines already don't block a shared scheduler.
	venvMgr, err := venv.EnsureEnv(ctx, c.venvGloballyEnabled, args.Venv, c.venvRoot)
	if err != nil {
		return LaunchResult{}, domain.Downstream("prepare virtualenv", err)
	}
	c.mu.Lock()
	c.guard[uid].venv = venvMgr
	c.mu.Unlock()
	if err := c.checkpoint(uid); err != nil {
		return LaunchResult{}, err
	}

	// Device allocation precedes SubPoolUp so the GPU visibility env can be
	// computed for the sub-pool's launch environment.
	devices, gpuDisabled, err := c.allocateDevices(args, gpuIdx)
	if err != nil {
		return LaunchResult{}, err
	}

	// SubPoolUp
	addr, err := c.createSubPool(ctx, uid, uid, args, devices, gpuDisabled)
	if err != nil {
		c.devices.Release(uid)
		return LaunchResult{}, err
	}
	if err := c.checkpoint(uid); err != nil {
		return LaunchResult{}, err
	}

	// Downloaded: model-family factory resolves artifacts. registerDownloader
	// lets the factory hand back its in-flight fetch so CancelLaunch can
	// interrupt it at a checkpoint.
	registerDownloader := func(dl Downloader) {
		c.mu.Lock()
		if g, ok := c.guard[uid]; ok {
			g.downloader = dl
		}
		c.mu.Unlock()
	}
	desc, err := c.factory.CreateModelInstance(ctx, args, registerDownloader)
	if err != nil {
		return LaunchResult{}, domain.Downstream("create model instance", err)
	}
	desc.Devices = devices
	if err := c.sup.RecordModelVersion(ctx, desc); err != nil {
		logging.Op().Warn("record model version failed", "uid", uid, "error", err)
	}
	if err := c.checkpoint(uid); err != nil {
		return LaunchResult{}, err
	}

	// VenvInstalled
	if venvMgr != nil {
		if err := venvMgr.InstallPackages(ctx, args.Venv, args.ExtraPackages); err != nil {
			return LaunchResult{}, domain.Downstream("install venv packages", err)
		}
	}
	if err := c.checkpoint(uid); err != nil {
		return LaunchResult{}, err
	}

	// ActorCreated
	if err := c.actor.Create(ctx, addr, uid, desc, args.RequestLimits, xavierFromExtensions(args), args.NWorker, args.Shard, args.DriverInfo); err != nil {
		return LaunchResult{}, domain.Downstream("create model actor", err)
	}
	if err := c.checkpoint(uid); err != nil {
		return LaunchResult{}, err
	}

	// ExtraPoolsUp
	if c.factory.NeedCreatePools(desc) && (len(devices) > 1 || args.NWorker > 1) {
		var extraAddrs []string
		for i := range devices {
			poolKey := fmt.Sprintf("%s-extra-%d", uid, i)
			extraAddr, err := c.createSubPool(ctx, uid, poolKey, args, devices, gpuDisabled)
			if err != nil {
				return LaunchResult{}, err
			}
			extraAddrs = append(extraAddrs, extraAddr)
		}
		if err := c.actor.BindExtraPools(ctx, uid, extraAddrs); err != nil {
			return LaunchResult{}, domain.Downstream("bind extra pools", err)
		}
	}
	if err := c.checkpoint(uid); err != nil {
		return LaunchResult{}, err
	}

	// Loaded
	if err := c.actor.Load(ctx, uid); err != nil {
		return LaunchResult{}, domain.Downstream("load model", err)
	}

	// Committed
	result := c.commit(uid, addr, desc, snapshot)

	abilities := domain.Abilities(args.ModelType, desc.Abilities)
	c.sup.SetStatus(ctx, uid, "READY", abilities)
	metrics.RecordPrometheusLaunch(string(args.ModelType), "succeeded")
	metrics.Global().RecordLaunch(string(args.ModelType), "succeeded")
	metrics.SetActiveModels(c.Count())

	return result, nil
}

// allocateDevices picks the GPU indices for a launch, and reports whether
// GPU visibility must be explicitly disabled on the sub-pool rather than
// merely left unallocated: n_gpu being null (NGPU.Set == false) disables GPU
// visibility outright, distinct from an explicit CPU-only request or an
// "auto" request with no GPUs allocated (original_source/xinference/core/
// worker.py:587-599: gpu_idx is None branch, "if n_gpu is None" sets the
// visibility env to "-1" where every other CPU-only path leaves it unset).
func (c *Controller) allocateDevices(args domain.LaunchArgs, gpuIdx []int) (devices []int, gpuDisabled bool, err error) {
	if len(gpuIdx) > 0 {
		d, err := c.devices.AllocatePinned(args.ModelUID, args.ModelType, gpuIdx)
		return d, false, err
	}
	if !args.NGPU.Set {
		return nil, true, nil // n_gpu is null: GPU visibility explicitly disabled
	}
	if args.ModelType == domain.ModelTypeEmbedding || args.ModelType == domain.ModelTypeRerank {
		gpu, err := c.devices.AllocateForEmbedding(args.ModelUID)
		if err != nil {
			return nil, false, err
		}
		return []int{gpu}, false, nil
	}
	if !args.NGPU.Auto && args.NGPU.N == 0 {
		return nil, false, nil // explicit CPU-only: leave visibility env untouched
	}
	n := args.NGPU.N
	if args.NGPU.Auto {
		n = 1
	}
	d, err := c.devices.AllocateExclusive(args.ModelUID, n)
	return d, false, err
}

// createSubPool asks the broker for a fresh sub-pool keyed by poolKey (the
// replica UID for the primary pool, a derived key for each extra pool of
// step 7), with devices baked into the sub-process's GPU visibility env.
// The handle is appended to the Guard's sub-pool list *before* this
// returns, per spec step 7's "before binding" ordering requirement.
func (c *Controller) createSubPool(ctx context.Context, uid, poolKey string, args domain.LaunchArgs, devices []int, gpuDisabled bool) (string, error) {
	envArgs := args
	envArgs.GPUIdx = devices
	envArgs.GPUDisabled = gpuDisabled

	addr, err := c.broker.CreateSubPool(ctx, poolKey, envArgs)
	if err != nil {
		return "", domain.Downstream("create sub-pool", err)
	}

	c.mu.Lock()
	if g, ok := c.guard[uid]; ok {
		g.subPools = append(g.subPools, subPoolHandle{key: poolKey, addr: addr})
	}
	c.mu.Unlock()

	return addr, nil
}

func (c *Controller) commit(uid, addr string, desc domain.ModelDescription, args domain.LaunchArgs) LaunchResult {
	c.mu.Lock()
	g := c.guard[uid]
	var extras []domain.SubPoolRef
	for _, h := range g.subPools[1:] {
		extras = append(extras, domain.SubPoolRef{Key: h.key, Addr: h.addr})
	}

	var recoveryLeft *int
	if c.defaultRecoveryLimit != nil {
		v := *c.defaultRecoveryLimit
		recoveryLeft = &v
	}

	c.table[uid] = &domain.ModelEntry{
		Ref:            domain.ModelRef{ReplicaUID: uid, SubPoolAddress: addr},
		Description:    desc,
		SubPoolAddress: addr,
		ExtraPools:     extras,
		RecoveryLeft:   recoveryLeft,
		LaunchArgs:     args,
	}
	delete(c.guard, uid)
	c.mu.Unlock()

	result := LaunchResult{SubPoolAddress: addr}
	if args.NWorker > 1 && args.Shard == 0 {
		result.DriverInfo = args.DriverInfo
		result.HasDriverInfo = true
	}
	return result
}

// unwind runs the failure/cancellation cleanup policy of spec §4.E: always
// delete the Guard entry, then release devices and remove every recorded
// sub-pool.
func (c *Controller) unwind(ctx context.Context, uid, origin, modelType string, cause error) {
	c.mu.Lock()
	g, ok := c.guard[uid]
	var subPools []subPoolHandle
	if ok {
		subPools = append([]subPoolHandle(nil), g.subPools...)
	}
	delete(c.guard, uid)
	c.mu.Unlock()

	c.devices.Release(uid)

	for _, h := range subPools {
		if err := c.broker.RemoveSubPool(ctx, h.key); err != nil && domain.KindOf(err) != domain.KindNotFound {
			logging.Op().Warn("remove sub-pool during unwind", "uid", uid, "pool", h.key, "error", err)
		}
	}

	outcome := "failed"
	if domain.KindOf(cause) == domain.KindCancelled {
		outcome = "cancelled"
		c.sup.ReportEvent(ctx, "warn", origin, "Launch cancelled")
	} else {
		c.sup.ReportEvent(ctx, "error", origin, fmt.Sprintf("Launch failed: %v", cause))
	}
	c.sup.SetStatus(ctx, uid, "ERROR", nil)

	metrics.RecordPrometheusLaunch(modelType, outcome)
	metrics.Global().RecordLaunch(modelType, outcome)
}

// xavierFromExtensions extracts an optional *domain.XavierConfig carried in
// LaunchArgs.Extensions under the "xavier_config" key, since LaunchArgs
// itself (per spec §4.E's args list) does not declare a first-class field
// for it outside the rank-0 fast path.
func xavierFromExtensions(args domain.LaunchArgs) *domain.XavierConfig {
	raw, ok := args.Extensions["xavier_config"]
	if !ok {
		return nil
	}
	xc, ok := raw.(domain.XavierConfig)
	if !ok {
		return nil
	}
	return &xc
}
