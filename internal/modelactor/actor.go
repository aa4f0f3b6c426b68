// Package modelactor implements launch.ModelActor by calling the
// sub-pool-resident actor over gRPC at its subpool address. The actor
// itself (the in-process object representing a loaded model once the
// Worker hands it off) is out of scope per spec §1; this package is only
// the client-side stub the Launch Controller and Terminate call through.
package modelactor

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/rpcenvelope"
)

// ServiceName is the gRPC service name exposed by the sub-pool-resident
// actor.
const ServiceName = "cortexnode.worker.ModelActor"

const dialTimeout = 5 * time.Second

// Client is a launch.ModelActor backed by a per-address cache of gRPC
// connections, grounded on the same dial-and-cache idiom used for remote
// node calls elsewhere in the stack. Create records the subpool address a
// replica UID lives at; later calls (Load, BindExtraPools, Destroy) look
// it up by UID.
type Client struct {
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn // keyed by subpool address
	addrOf map[string]string           // replica UID -> subpool address
}

// New constructs a Client.
func New() *Client {
	return &Client{
		conns:  make(map[string]*grpc.ClientConn),
		addrOf: make(map[string]string),
	}
}

func (c *Client) conn(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, domain.Transient("dial model actor "+addr, err)
	}

	c.mu.Lock()
	if existing, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	c.conns[addr] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) connForReplica(ctx context.Context, replicaUID string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	addr, ok := c.addrOf[replicaUID]
	c.mu.Unlock()
	if !ok {
		return nil, domain.NotFound("no model actor connection for " + replicaUID)
	}
	return c.conn(ctx, addr)
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, req any) error {
	reqStruct, err := rpcenvelope.Encode(req)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, "/"+ServiceName+"/"+method, reqStruct, new(structpb.Struct)); err != nil {
		return domain.Transient("model actor call "+method, err)
	}
	return nil
}

// Create instantiates the actor at subPoolAddr (spec step 6, ActorCreated),
// recording replicaUID's address for subsequent calls.
func (c *Client) Create(ctx context.Context, subPoolAddr, replicaUID string, desc domain.ModelDescription, limits domain.RequestLimits, xavier *domain.XavierConfig, nWorker, shard int, driverInfo domain.DriverInfo) error {
	conn, err := c.conn(ctx, subPoolAddr)
	if err != nil {
		return err
	}
	if err := invoke(ctx, conn, "Create", map[string]any{
		"replica_uid":    replicaUID,
		"description":    desc,
		"request_limits": limits,
		"xavier_config":  xavier,
		"n_worker":       nWorker,
		"shard":          shard,
		"driver_info":    driverInfo,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.addrOf[replicaUID] = subPoolAddr
	c.mu.Unlock()
	return nil
}

// BindExtraPools hands the extra sub-pool addresses to the actor (spec
// step 7, ExtraPoolsUp).
func (c *Client) BindExtraPools(ctx context.Context, replicaUID string, addrs []string) error {
	conn, err := c.connForReplica(ctx, replicaUID)
	if err != nil {
		return err
	}
	return invoke(ctx, conn, "BindExtraPools", map[string]any{
		"replica_uid": replicaUID,
		"addresses":   addrs,
	})
}

// Load invokes model.load() (spec step 8, Loaded).
func (c *Client) Load(ctx context.Context, replicaUID string) error {
	conn, err := c.connForReplica(ctx, replicaUID)
	if err != nil {
		return err
	}
	return invoke(ctx, conn, "Load", map[string]any{"replica_uid": replicaUID})
}

// StartTransferForVLLM resumes vLLM weight transfer on replicaUID's actor
// (spec §4.F step 4.d, "model.start_transfer_for_vllm([])", and the
// inbound start_transfer_for_vllm operation of §6). Implements
// recovery.TransferNotifier.
func (c *Client) StartTransferForVLLM(ctx context.Context, replicaUID string, addrs []string) error {
	conn, err := c.connForReplica(ctx, replicaUID)
	if err != nil {
		return err
	}
	return invoke(ctx, conn, "StartTransferForVLLM", map[string]any{
		"replica_uid":    replicaUID,
		"rank_addresses": addrs,
	})
}

// Destroy tears the actor down, bounded by timeout (spec §5, 5s destroy
// bound; Terminate's destroy step). A replica with no recorded connection
// is treated as already gone.
func (c *Client) Destroy(ctx context.Context, replicaUID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	addr, ok := c.addrOf[replicaUID]
	delete(c.addrOf, replicaUID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	conn, err := c.conn(ctx, addr)
	if err != nil {
		return err
	}
	return invoke(ctx, conn, "Destroy", map[string]any{"replica_uid": replicaUID})
}
