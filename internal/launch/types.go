// Package launch implements the Launch Controller (spec §4.E), including
// Terminate (§4.E-Terminate) and CancelLaunch (§4.E-Cancel), since all
// three operate on the same Launching Guard / Model Table state guarded by
// one lock (spec §5 "Ordering guarantees").
package launch

import (
	"context"
	"sync"
	"time"

	"github.com/cortexnode/worker/internal/domain"
)

// subPoolHandle is one sub-pool created during a launch: key is the
// broker-internal identifier used to tear it back down, addr is the
// transport address recorded for the Model Table / extra-pool binding.
type subPoolHandle struct {
	key  string
	addr string
}

// GuardEntry is a Launching Guard row (spec §3): live only while a launch
// of uid is in progress.
type GuardEntry struct {
	cancelled  bool
	downloader Downloader
	venv       VenvManager
	subPools   []subPoolHandle // every sub-pool created so far, torn down on any exit path
}

// Downloader is the subset of downloader.Downloader the controller needs to
// hold onto for CancelLaunch, kept narrow to avoid a dependency on the
// downloader package's concrete types.
type Downloader interface {
	Cancel()
}

// VenvManager is the subset of venv.Manager the controller needs to hold
// onto for CancelLaunch.
type VenvManager interface {
	Cancel()
}

// SupervisorFacade is the outbound surface the controller needs from the
// Supervisor Client (spec §6 "Outbound"): event reporting, status
// push, and cache tracker updates. Implemented by internal/supervisorclient.
type SupervisorFacade interface {
	ReportEvent(ctx context.Context, kind, originUID, message string)
	SetStatus(ctx context.Context, uid, status string, abilities []string)
	ClearStatus(ctx context.Context, uid string)
	RecordModelVersion(ctx context.Context, desc domain.ModelDescription) error
	IsVLLMBacked(replicaUID string) bool
}

// DeviceAllocator is the subset of deviceacct.Accountant the controller
// depends on.
type DeviceAllocator interface {
	AllocateExclusive(uid string, n int) ([]int, error)
	AllocateForEmbedding(uid string) (int, error)
	AllocatePinned(uid string, modelType domain.ModelType, indices []int) ([]int, error)
	Release(uid string)
}

// SubPoolBroker is the subset of subpool.Broker the controller depends on.
type SubPoolBroker interface {
	CreateSubPool(ctx context.Context, uid string, args domain.LaunchArgs) (string, error)
	RemoveSubPool(ctx context.Context, uid string) error
}

// ModelFactory resolves a launch's model-family artifacts: the long-running,
// off-loop CreateModelInstance call of spec step 4. Implementations that
// fetch weights call registerDownloader with the Downloader driving the
// fetch, so CancelLaunch can interrupt it mid-flight; families that need no
// fetch (already-resident models) may leave it uncalled.
type ModelFactory interface {
	CreateModelInstance(ctx context.Context, args domain.LaunchArgs, registerDownloader func(Downloader)) (domain.ModelDescription, error)
	// NeedCreatePools reports whether this model family wants one extra
	// sub-pool per device (spec step 7).
	NeedCreatePools(desc domain.ModelDescription) bool
}

// ModelActor is the seam to the sub-pool-resident Model Actor (spec
// "ActorCreated", "ExtraPoolsUp", "Loaded", Terminate's destroy step).
type ModelActor interface {
	Create(ctx context.Context, subPoolAddr, replicaUID string, desc domain.ModelDescription, limits domain.RequestLimits, xavier *domain.XavierConfig, nWorker, shard int, driverInfo domain.DriverInfo) error
	BindExtraPools(ctx context.Context, replicaUID string, addrs []string) error
	Load(ctx context.Context, replicaUID string) error
	Destroy(ctx context.Context, replicaUID string, timeout time.Duration) error
}

// PlatformCheck validates launch args against host-specific restrictions
// (spec pre-validation step 8, e.g. certain formats forbidden on macOS).
type PlatformCheck func(args domain.LaunchArgs) error

// Clock is overridable in tests; defaults to time.Now/time.Since.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Controller owns the Model Table, the Launching Guard, and serializes
// every mutation behind one mutex, per spec §5's single-lock requirement.
type Controller struct {
	mu sync.Mutex

	guard map[string]*GuardEntry
	table map[string]*domain.ModelEntry

	devices  DeviceAllocator
	broker   SubPoolBroker
	factory  ModelFactory
	actor    ModelActor
	sup      SupervisorFacade
	platform PlatformCheck

	hostGPUCount int
	gpuEnvKey    string

	defaultRecoveryLimit *int
	venvGloballyEnabled  bool
	venvRoot             string

	clock Clock
}

// Config bundles Controller's static configuration.
type Config struct {
	HostGPUCount         int
	GPUVisibilityEnvKey  string
	DefaultRecoveryLimit *int
	VenvGloballyEnabled  bool
	VenvRoot             string
	Platform             PlatformCheck
}

// New constructs a Controller. platform defaults to an always-pass check if
// cfg.Platform is nil.
func New(devices DeviceAllocator, broker SubPoolBroker, factory ModelFactory, actor ModelActor, sup SupervisorFacade, cfg Config) *Controller {
	platform := cfg.Platform
	if platform == nil {
		platform = func(domain.LaunchArgs) error { return nil }
	}
	gpuEnvKey := cfg.GPUVisibilityEnvKey
	if gpuEnvKey == "" {
		gpuEnvKey = "CUDA_VISIBLE_DEVICES"
	}
	return &Controller{
		guard:                make(map[string]*GuardEntry),
		table:                make(map[string]*domain.ModelEntry),
		devices:              devices,
		broker:               broker,
		factory:              factory,
		actor:                actor,
		sup:                  sup,
		platform:             platform,
		hostGPUCount:         cfg.HostGPUCount,
		gpuEnvKey:            gpuEnvKey,
		defaultRecoveryLimit: cfg.DefaultRecoveryLimit,
		venvGloballyEnabled:  cfg.VenvGloballyEnabled,
		venvRoot:             cfg.VenvRoot,
		clock:                realClock{},
	}
}

// inGuardOrTableLocked reports whether uid is present in either map, enforcing
// spec invariant 1 (mutual exclusion). Caller must hold c.mu.
func (c *Controller) inGuardOrTableLocked(uid string) bool {
	if _, ok := c.guard[uid]; ok {
		return true
	}
	_, ok := c.table[uid]
	return ok
}

// Get returns a copy of the committed entry for uid, or a NotFound error.
// An entry with a recorded LastError is returned together with a
// Downstream error carrying that message.
func (c *Controller) Get(uid string) (domain.ModelEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table[uid]
	if !ok {
		return domain.ModelEntry{}, domain.NotFound("no model for " + uid)
	}
	if e.Status.LastError != "" {
		return *e, domain.Downstream(e.Status.LastError, nil)
	}
	return *e, nil
}

// List returns a copy of every committed Model Table entry.
func (c *Controller) List() []domain.ModelEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ModelEntry, 0, len(c.table))
	for _, e := range c.table {
		out = append(out, *e)
	}
	return out
}

// Count returns the number of committed models.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// IsLaunching reports whether uid currently has a Launching Guard entry.
func (c *Controller) IsLaunching(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.guard[uid]
	return ok
}

// FindBySubPoolAddress performs the linear scan the Recovery Controller
// needs to map a dead sub-pool's transport address back to its replica UID
// (spec §4.F step 2; the worker holds few models, so this is deliberately
// not indexed).
func (c *Controller) FindBySubPoolAddress(addr string) (uid string, entry domain.ModelEntry, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for u, e := range c.table {
		if e.SubPoolAddress == addr {
			return u, *e, true
		}
	}
	return "", domain.ModelEntry{}, false
}

// SetRecoveryLeft overwrites the stored recovery counter for a committed
// entry, used by the Recovery Controller to persist a decrement across a
// re-launch (whose own Commit step would otherwise reset it to the
// configured default).
func (c *Controller) SetRecoveryLeft(uid string, left *int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table[uid]
	if !ok {
		return domain.NotFound("no model for " + uid)
	}
	e.RecoveryLeft = left
	return nil
}

// SetStatus overwrites the stored ModelStatus for a committed entry
// (update_model_status, spec §6).
func (c *Controller) SetStatus(uid string, status domain.ModelStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table[uid]
	if !ok {
		return domain.NotFound("no model for " + uid)
	}
	e.Status = status
	return nil
}
