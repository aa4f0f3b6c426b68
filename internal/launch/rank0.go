package launch

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/logging"
)

// Rank0Result is returned by LaunchRank0: the bare sub-pool's transport
// address plus the rendezvous store's listening port, both of which the
// caller forwards to the peer shards that join this coordination group.
type Rank0Result struct {
	SubPoolAddress string
	StorePort      int
}

// LaunchRank0 creates the coordinator replica of a multi-replica xavier
// group (Glossary: Xavier): a bare sub-pool plus a TCP rendezvous store,
// registered in the Model Table without running the full launch state
// machine (no download, no venv, no actor readiness wait — peer shards
// drive loading once they've all joined).
func (c *Controller) LaunchRank0(ctx context.Context, uid string, xavier domain.XavierConfig) (Rank0Result, error) {
	c.mu.Lock()
	tracked := c.inGuardOrTableLocked(uid)
	c.mu.Unlock()
	if tracked {
		return Rank0Result{}, domain.Conflict("model_uid " + uid + " is already launching or running")
	}

	storePort, err := allocatePort()
	if err != nil {
		return Rank0Result{}, domain.Downstream("allocate rendezvous store port", err)
	}

	args := domain.LaunchArgs{ModelUID: uid, ModelType: domain.ModelTypeLLM}
	addr, err := c.broker.CreateSubPool(ctx, uid, args)
	if err != nil {
		return Rank0Result{}, domain.Downstream("create rank-0 sub-pool", err)
	}

	xavier.Rank = 0
	xavier.RankAddress = addr
	xavier.StorePort = storePort
	if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
		xavier.StoreAddress = host
	} else {
		xavier.StoreAddress = addr
	}

	if err := c.actor.Create(ctx, addr, uid, domain.ModelDescription{ModelUID: uid, ModelType: domain.ModelTypeLLM}, domain.RequestLimits{}, &xavier, xavier.WorldSize, 0, nil); err != nil {
		if rmErr := c.broker.RemoveSubPool(ctx, uid); rmErr != nil && domain.KindOf(rmErr) != domain.KindNotFound {
			logging.Op().Warn("remove rank-0 sub-pool after create failure", "uid", uid, "error", rmErr)
		}
		return Rank0Result{}, domain.Downstream("create rank-0 model actor", err)
	}

	c.mu.Lock()
	c.table[uid] = &domain.ModelEntry{
		Ref:            domain.ModelRef{ReplicaUID: uid, SubPoolAddress: addr},
		Description:    domain.ModelDescription{ModelUID: uid, ModelType: domain.ModelTypeLLM},
		SubPoolAddress: addr,
		LaunchArgs:     args,
		XavierConfig:   &xavier,
	}
	c.mu.Unlock()

	return Rank0Result{SubPoolAddress: addr, StorePort: storePort}, nil
}

// allocatePort reserves a free TCP port on localhost for the rendezvous
// store by binding then immediately releasing it.
func allocatePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(portStr))
}
