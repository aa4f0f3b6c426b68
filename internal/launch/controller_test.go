package launch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cortexnode/worker/internal/domain"
)

type fakeDevices struct {
	mu        sync.Mutex
	allocated map[string][]int
	released  []string
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{allocated: make(map[string][]int)}
}

func (f *fakeDevices) AllocateExclusive(uid string, n int) ([]int, error) {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	f.mu.Lock()
	f.allocated[uid] = out
	f.mu.Unlock()
	return out, nil
}

func (f *fakeDevices) AllocateForEmbedding(uid string) (int, error) {
	f.mu.Lock()
	f.allocated[uid] = []int{0}
	f.mu.Unlock()
	return 0, nil
}

func (f *fakeDevices) AllocatePinned(uid string, modelType domain.ModelType, indices []int) ([]int, error) {
	f.mu.Lock()
	f.allocated[uid] = indices
	f.mu.Unlock()
	return indices, nil
}

func (f *fakeDevices) Release(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.allocated, uid)
	f.released = append(f.released, uid)
}

type fakeBroker struct {
	mu      sync.Mutex
	n       int
	removed []string
	failKey string
}

func (b *fakeBroker) CreateSubPool(ctx context.Context, uid string, args domain.LaunchArgs) (string, error) {
	if uid == b.failKey {
		return "", domain.Downstream("simulated sub-pool failure", nil)
	}
	b.mu.Lock()
	b.n++
	n := b.n
	b.mu.Unlock()
	return "127.0.0.1:900" + string(rune('0'+n)), nil
}

func (b *fakeBroker) RemoveSubPool(ctx context.Context, uid string) error {
	b.mu.Lock()
	b.removed = append(b.removed, uid)
	b.mu.Unlock()
	return nil
}

type fakeFactory struct {
	failCreate  bool
	needsExtra  bool
	description domain.ModelDescription
}

func (f *fakeFactory) CreateModelInstance(ctx context.Context, args domain.LaunchArgs, registerDownloader func(Downloader)) (domain.ModelDescription, error) {
	if f.failCreate {
		return domain.ModelDescription{}, domain.Downstream("simulated factory failure", nil)
	}
	desc := f.description
	if desc.ModelUID == "" {
		desc = domain.ModelDescription{ModelUID: args.ModelUID, ModelType: args.ModelType}
	}
	return desc, nil
}

func (f *fakeFactory) NeedCreatePools(desc domain.ModelDescription) bool {
	return f.needsExtra
}

type fakeActor struct {
	mu       sync.Mutex
	created  []string
	bound    map[string][]string
	loaded   []string
	destroyed []string
	failLoad bool
}

func newFakeActor() *fakeActor {
	return &fakeActor{bound: make(map[string][]string)}
}

func (a *fakeActor) Create(ctx context.Context, subPoolAddr, replicaUID string, desc domain.ModelDescription, limits domain.RequestLimits, xavier *domain.XavierConfig, nWorker, shard int, driverInfo domain.DriverInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, replicaUID)
	return nil
}

func (a *fakeActor) BindExtraPools(ctx context.Context, replicaUID string, addrs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bound[replicaUID] = addrs
	return nil
}

func (a *fakeActor) Load(ctx context.Context, replicaUID string) error {
	if a.failLoad {
		return domain.Downstream("simulated load failure", nil)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loaded = append(a.loaded, replicaUID)
	return nil
}

func (a *fakeActor) Destroy(ctx context.Context, replicaUID string, timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = append(a.destroyed, replicaUID)
	return nil
}

type fakeSupervisor struct {
	mu       sync.Mutex
	statuses map[string]string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{statuses: make(map[string]string)}
}

func (s *fakeSupervisor) ReportEvent(ctx context.Context, kind, originUID, message string) {}

func (s *fakeSupervisor) SetStatus(ctx context.Context, uid, status string, abilities []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[uid] = status
}

func (s *fakeSupervisor) ClearStatus(ctx context.Context, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, uid)
}

func (s *fakeSupervisor) RecordModelVersion(ctx context.Context, desc domain.ModelDescription) error {
	return nil
}

func (s *fakeSupervisor) IsVLLMBacked(replicaUID string) bool { return false }

func newTestController(devices *fakeDevices, broker *fakeBroker, factory *fakeFactory, actor *fakeActor, sup *fakeSupervisor) *Controller {
	return New(devices, broker, factory, actor, sup, Config{HostGPUCount: 8})
}

func TestLaunchSucceedsAndCommits(t *testing.T) {
	devices := newFakeDevices()
	broker := &fakeBroker{}
	factory := &fakeFactory{}
	actor := newFakeActor()
	sup := newFakeSupervisor()
	c := newTestController(devices, broker, factory, actor, sup)

	args := domain.LaunchArgs{ModelUID: "m-0", ModelType: domain.ModelTypeEmbedding}
	res, err := c.Launch(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SubPoolAddress == "" {
		t.Fatal("expected a sub-pool address")
	}
	if c.IsLaunching("m-0") {
		t.Fatal("guard entry should be removed after commit")
	}
	entry, err := c.Get("m-0")
	if err != nil {
		t.Fatalf("expected committed entry: %v", err)
	}
	if entry.SubPoolAddress != res.SubPoolAddress {
		t.Fatalf("table entry address mismatch: %q vs %q", entry.SubPoolAddress, res.SubPoolAddress)
	}
	if sup.statuses["m-0"] != "READY" {
		t.Fatalf("expected READY status, got %q", sup.statuses["m-0"])
	}
}

func TestLaunchConflictWhileAlreadyTracked(t *testing.T) {
	devices := newFakeDevices()
	broker := &fakeBroker{}
	factory := &fakeFactory{}
	actor := newFakeActor()
	sup := newFakeSupervisor()
	c := newTestController(devices, broker, factory, actor, sup)

	args := domain.LaunchArgs{ModelUID: "dup", ModelType: domain.ModelTypeEmbedding}
	if _, err := c.Launch(context.Background(), args); err != nil {
		t.Fatalf("first launch failed: %v", err)
	}
	_, err := c.Launch(context.Background(), args)
	if domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestLaunchUnwindsOnFactoryFailure(t *testing.T) {
	devices := newFakeDevices()
	broker := &fakeBroker{}
	factory := &fakeFactory{failCreate: true}
	actor := newFakeActor()
	sup := newFakeSupervisor()
	c := newTestController(devices, broker, factory, actor, sup)

	args := domain.LaunchArgs{ModelUID: "m-fail", ModelType: domain.ModelTypeEmbedding}
	_, err := c.Launch(context.Background(), args)
	if domain.KindOf(err) != domain.KindDownstream {
		t.Fatalf("expected Downstream, got %v", err)
	}
	if c.IsLaunching("m-fail") {
		t.Fatal("guard entry must be cleared after unwind")
	}
	if _, err := c.Get("m-fail"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatal("model table must not contain a failed launch")
	}
	if len(broker.removed) != 1 {
		t.Fatalf("expected the created sub-pool to be torn down, got %v", broker.removed)
	}
	if sup.statuses["m-fail"] != "ERROR" {
		t.Fatalf("expected ERROR status, got %q", sup.statuses["m-fail"])
	}
}

func TestLaunchInvalidGPURange(t *testing.T) {
	devices := newFakeDevices()
	broker := &fakeBroker{}
	factory := &fakeFactory{}
	actor := newFakeActor()
	sup := newFakeSupervisor()
	c := newTestController(devices, broker, factory, actor, sup)

	args := domain.LaunchArgs{
		ModelUID:  "m-badgpu",
		ModelType: domain.ModelTypeLLM,
		NGPU:      domain.GPUCount{Set: true, N: 99},
	}
	_, err := c.Launch(context.Background(), args)
	if domain.KindOf(err) != domain.KindInvalidArg {
		t.Fatalf("expected InvalidArg, got %v", err)
	}
}

func TestLaunchRejectsPEFTForEmbedding(t *testing.T) {
	devices := newFakeDevices()
	broker := &fakeBroker{}
	factory := &fakeFactory{}
	actor := newFakeActor()
	sup := newFakeSupervisor()
	c := newTestController(devices, broker, factory, actor, sup)

	args := domain.LaunchArgs{
		ModelUID:  "m-peft",
		ModelType: domain.ModelTypeEmbedding,
		PEFT:      &domain.PEFTConfig{AdapterName: "x"},
	}
	_, err := c.Launch(context.Background(), args)
	if domain.KindOf(err) != domain.KindInvalidArg {
		t.Fatalf("expected InvalidArg, got %v", err)
	}
}

func TestCancelLaunchRejectsUnknownUID(t *testing.T) {
	devices := newFakeDevices()
	broker := &fakeBroker{}
	factory := &fakeFactory{}
	actor := newFakeActor()
	sup := newFakeSupervisor()
	c := newTestController(devices, broker, factory, actor, sup)

	err := c.CancelLaunch(context.Background(), "never-launched")
	if domain.KindOf(err) != domain.KindNotLaunching {
		t.Fatalf("expected NotLaunching, got %v", err)
	}
}

func TestTerminateRejectsWhileLaunching(t *testing.T) {
	devices := newFakeDevices()
	broker := &fakeBroker{}
	factory := &fakeFactory{failCreate: true}
	actor := newFakeActor()
	sup := newFakeSupervisor()
	c := newTestController(devices, broker, factory, actor, sup)

	c.mu.Lock()
	c.guard["still-launching"] = &GuardEntry{}
	c.mu.Unlock()

	err := c.Terminate(context.Background(), "still-launching", false)
	if domain.KindOf(err) != domain.KindBusy {
		t.Fatalf("expected Busy, got %v", err)
	}
}

func TestTerminateUnknownModelIsIdempotent(t *testing.T) {
	devices := newFakeDevices()
	broker := &fakeBroker{}
	factory := &fakeFactory{}
	actor := newFakeActor()
	sup := newFakeSupervisor()
	c := newTestController(devices, broker, factory, actor, sup)

	if err := c.Terminate(context.Background(), "nope", false); err != nil {
		t.Fatalf("terminate of unknown uid must not raise, got %v", err)
	}
	if sup.statuses["nope"] != "" {
		t.Fatalf("expected ClearStatus to leave no status, got %q", sup.statuses["nope"])
	}
}

func TestTerminateCommittedModel(t *testing.T) {
	devices := newFakeDevices()
	broker := &fakeBroker{}
	factory := &fakeFactory{}
	actor := newFakeActor()
	sup := newFakeSupervisor()
	c := newTestController(devices, broker, factory, actor, sup)

	args := domain.LaunchArgs{ModelUID: "m-term", ModelType: domain.ModelTypeEmbedding}
	if _, err := c.Launch(context.Background(), args); err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	if err := c.Terminate(context.Background(), "m-term", false); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if _, err := c.Get("m-term"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatal("expected model removed from table after terminate")
	}
	if sup.statuses["m-term"] != "" {
		t.Fatalf("expected ClearStatus on non-crash terminate, got %q", sup.statuses["m-term"])
	}
	if len(actor.destroyed) != 1 || actor.destroyed[0] != "m-term" {
		t.Fatalf("expected actor destroyed for m-term, got %v", actor.destroyed)
	}
}
