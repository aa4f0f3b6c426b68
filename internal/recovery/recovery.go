// Package recovery implements the Recovery Controller (spec §4.F): wired
// as the Sub-Pool Broker's death callback, it rebuilds a crashed model from
// its stored launch args with a bounded number of retries.
package recovery

import (
	"context"
	"sync"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/launch"
	"github.com/cortexnode/worker/internal/logging"
	"github.com/cortexnode/worker/internal/metrics"
)

// LaunchController is the subset of *launch.Controller the Recovery
// Controller depends on.
type LaunchController interface {
	Terminate(ctx context.Context, uid string, isModelDie bool) error
	Launch(ctx context.Context, args domain.LaunchArgs) (launch.LaunchResult, error)
	FindBySubPoolAddress(addr string) (uid string, entry domain.ModelEntry, ok bool)
	SetRecoveryLeft(uid string, left *int) error
	Get(uid string) (domain.ModelEntry, error)
}

// CollectiveManager is the xavier rank-registration surface exposed by the
// Supervisor Client (spec §4.F step 4.d).
type CollectiveManager interface {
	UnregisterRank(ctx context.Context, rank int) error
	RegisterRank(ctx context.Context, rank int, newAddress string, update bool) error
}

// TransferNotifier starts the post-recovery vLLM weight transfer for a
// xavier replica (spec §4.F step 4.d, "model.start_transfer_for_vllm([])").
type TransferNotifier interface {
	StartTransferForVLLM(ctx context.Context, replicaUID string, addrs []string) error
}

// SupervisorFacade is the outbound event surface used while recovering.
type SupervisorFacade interface {
	ReportEvent(ctx context.Context, kind, originUID, message string)
}

type deathEvent struct {
	poolKey string
	addr    string
	exitErr error
}

// Controller serializes recovery of crashed sub-pools onto its own single
// worker goroutine, so the Broker's death-watcher goroutine never mutates
// Launch Controller state directly (spec §9 redesign note).
type Controller struct {
	launch     LaunchController
	collective CollectiveManager
	transfer   TransferNotifier
	sup        SupervisorFacade

	mu      sync.Mutex
	queue   chan deathEvent
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

// New constructs a Recovery Controller. Call Start before registering
// OnSubPoolDown with the broker.
func New(lc LaunchController, collective CollectiveManager, transfer TransferNotifier, sup SupervisorFacade) *Controller {
	return &Controller{
		launch:     lc,
		collective: collective,
		transfer:   transfer,
		sup:        sup,
		queue:      make(chan deathEvent, 64),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the single recovery worker goroutine.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.run()
}

// Stop stops the recovery worker; pending queued events are dropped.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
}

// OnSubPoolDown is the callback registered with subpool.Broker
// (RegisterRecoverCallback). It only enqueues the event; all state
// mutation happens on the single worker goroutine started by Start,
// matching the "enqueue, don't mutate from the pool's context" design.
func (c *Controller) OnSubPoolDown(poolKey, addr string, exitErr error) {
	select {
	case c.queue <- deathEvent{poolKey: poolKey, addr: addr, exitErr: exitErr}:
	default:
		logging.Op().Error("recovery queue full, dropping death event", "addr", addr)
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case ev := <-c.queue:
			c.handle(context.Background(), ev)
		}
	}
}

// handle implements spec §4.F steps 2–4 for one death notification.
func (c *Controller) handle(ctx context.Context, ev deathEvent) {
	uid, entry, ok := c.launch.FindBySubPoolAddress(ev.addr)
	if !ok {
		logging.Op().Info("no model tracked for dead sub-pool, replica died mid-launch", "addr", ev.addr)
		return
	}
	origin := domain.OriginUID(uid)

	if err := c.launch.Terminate(ctx, uid, true); err != nil {
		logging.Op().Warn("best-effort terminate of crashed model failed", "uid", uid, "error", err)
	}
	c.sup.ReportEvent(ctx, "warn", origin, "Recreate model")

	left := entry.RecoveryLeft
	if left != nil && *left <= 0 {
		logging.Op().Warn("recovery limit reached, not recreating", "uid", uid)
		return
	}
	var decremented *int
	if left != nil {
		remaining := *left - 1
		decremented = &remaining
	}

	args := entry.LaunchArgs
	xavier := entry.XavierConfig

	if xavier != nil && c.collective != nil {
		if err := c.collective.UnregisterRank(ctx, xavier.Rank); err != nil {
			logging.Op().Warn("unregister rank before recovery failed", "uid", uid, "rank", xavier.Rank, "error", err)
		}
	}

	if _, err := c.launch.Launch(ctx, args); err != nil {
		logging.Op().Error("recovery re-launch failed", "uid", uid, "error", err)
		metrics.Global().RecordRecovery(string(args.ModelType), false)
		return
	}

	if err := c.launch.SetRecoveryLeft(uid, decremented); err != nil {
		logging.Op().Warn("persist recovery counter failed", "uid", uid, "error", err)
	}

	if xavier != nil {
		newEntry, err := c.launch.Get(uid)
		if err != nil {
			logging.Op().Warn("read re-launched entry for xavier rebind failed", "uid", uid, "error", err)
		} else {
			if c.transfer != nil {
				if err := c.transfer.StartTransferForVLLM(ctx, uid, nil); err != nil {
					logging.Op().Warn("start vllm transfer after recovery failed", "uid", uid, "error", err)
				}
			}
			if c.collective != nil {
				if err := c.collective.RegisterRank(ctx, xavier.Rank, newEntry.SubPoolAddress, true); err != nil {
					logging.Op().Warn("register rank after recovery failed", "uid", uid, "rank", xavier.Rank, "error", err)
				}
			}
		}
	}

	metrics.Global().RecordRecovery(string(args.ModelType), true)
}
