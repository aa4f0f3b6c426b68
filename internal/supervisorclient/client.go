// Package supervisorclient implements the Supervisor Client (spec §4.I):
// a lazy, idempotent connection to the remote Supervisor that also stands
// in for the Status Guard, Event Collector, and Cache Tracker resolved
// through the same channel, plus the outbound calls the Launch/Recovery/
// Health components need. Calls travel as structpb.Struct envelopes
// (internal/rpcenvelope) over a plain grpc.ClientConn, grounded on the
// same dial idiom the cluster proxy uses for remote node calls.
package supervisorclient

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/health"
	"github.com/cortexnode/worker/internal/logging"
	"github.com/cortexnode/worker/internal/observability"
	"github.com/cortexnode/worker/internal/rpcenvelope"
)

// ServiceName is the fully-qualified gRPC service name dialed on the
// supervisor side.
const ServiceName = "cortexnode.supervisor.Supervisor"

const defaultDialTimeout = 10 * time.Second

// Config configures the client's remote address and this node's own
// advertised address.
type Config struct {
	SupervisorAddress string
	WorkerAddress      string
	DialTimeout        time.Duration
}

// ModelTableView is the narrow read surface the client needs from the
// Worker's model table to decide whether a fresh connect should also
// call add_worker (spec: "on fresh connect AND empty Model Table").
type ModelTableView interface {
	Count() int
	SupportedModelVersions() []domain.ModelDescription
}

// Client is the Supervisor Client. It satisfies launch.SupervisorFacade,
// recovery.SupervisorFacade/CollectiveManager, and
// health.SupervisorFacade.
type Client struct {
	cfg   Config
	table ModelTableView

	mu   sync.Mutex
	conn *grpc.ClientConn

	sigOnce sync.Once
}

// New constructs a Supervisor Client. table may be nil in tests that never
// exercise the add_worker / publish-versions path.
func New(cfg Config, table ModelTableView) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Client{cfg: cfg, table: table}
}

// GetSupervisor returns the (lazily established) connection to the
// supervisor. On a fresh connect, and only if the Model Table is empty, it
// calls add_worker so the supervisor learns of this node; it then always
// publishes this node's merged supported-family version info via a single
// record_model_version call. A dial failure is Transient: the worker does
// not crash, callers retry on the next operation (spec §4.I).
func (c *Client) GetSupervisor(ctx context.Context, addWorker bool) (*grpc.ClientConn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, c.cfg.SupervisorAddress,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		c.mu.Unlock()
		return nil, domain.Transient("dial supervisor", err)
	}
	c.conn = conn
	c.mu.Unlock()

	if addWorker && c.table != nil && c.table.Count() == 0 {
		if err := c.addWorker(ctx, conn); err != nil {
			logging.Op().Warn("add_worker failed on fresh supervisor connect", "error", err)
		}
	}
	if c.table != nil {
		if err := c.publishModelVersions(ctx, conn); err != nil {
			logging.Op().Warn("publish model versions on fresh supervisor connect failed", "error", err)
		}
	}

	return conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, req any, out any) error {
	conn, err := c.GetSupervisor(ctx, true)
	if err != nil {
		return err
	}
	reqStruct, err := rpcenvelope.Encode(req)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	ctx = observability.InjectOutgoing(ctx)
	if err := conn.Invoke(ctx, "/"+ServiceName+"/"+method, reqStruct, resp); err != nil {
		return domain.Transient("supervisor call "+method, err)
	}
	if out == nil {
		return nil
	}
	return rpcenvelope.Decode(resp, out)
}

func (c *Client) addWorker(ctx context.Context, conn *grpc.ClientConn) error {
	reqStruct, err := rpcenvelope.Encode(map[string]any{"address": c.cfg.WorkerAddress})
	if err != nil {
		return err
	}
	ctx = observability.InjectOutgoing(ctx)
	return conn.Invoke(ctx, "/"+ServiceName+"/AddWorker", reqStruct, new(structpb.Struct))
}

func (c *Client) publishModelVersions(ctx context.Context, conn *grpc.ClientConn) error {
	versions := c.table.SupportedModelVersions()
	merged := make(map[string]any, len(versions))
	for _, v := range versions {
		merged[string(v.ModelType)] = v
	}
	reqStruct, err := rpcenvelope.Encode(merged)
	if err != nil {
		return err
	}
	ctx = observability.InjectOutgoing(ctx)
	return conn.Invoke(ctx, "/"+ServiceName+"/RecordModelVersion", reqStruct, new(structpb.Struct))
}

// RemoveWorker removes this node from the supervisor's worker set. Used
// both by graceful shutdown and by the SIGINT handler.
func (c *Client) RemoveWorker(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	reqStruct, err := rpcenvelope.Encode(map[string]any{"address": c.cfg.WorkerAddress})
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, "/"+ServiceName+"/RemoveWorker", reqStruct, new(structpb.Struct))
}

// InstallSIGINTHandler registers the non-Windows SIGINT handler described
// in spec §4.I: on interrupt, best-effort remove_worker, then a forced
// exit(0). Idempotent; a second call is a no-op.
func (c *Client) InstallSIGINTHandler() {
	c.sigOnce.Do(func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT)
		go func() {
			<-sigCh
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.RemoveWorker(ctx); err != nil {
				logging.Op().Warn("remove_worker on SIGINT failed", "error", err)
			}
			os.Exit(0)
		}()
	})
}

// ReportEvent pushes one Event Collector record (spec §6 outbound,
// "report_event(uid, {type, ts, content})"). Errors are logged, not
// returned: event reporting is fire-and-forget relative to the caller's
// own control flow.
func (c *Client) ReportEvent(ctx context.Context, kind, originUID, message string) {
	payload := map[string]any{
		"uid":     originUID,
		"type":    kind,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"content": message,
	}
	if err := c.invoke(ctx, "ReportEvent", payload, nil); err != nil {
		logging.Op().Warn("report_event failed", "uid", originUID, "error", err)
	}
}

// SetStatus pushes one Status Guard update (spec §6 outbound,
// "update_instance_info(uid, {status, ...})").
func (c *Client) SetStatus(ctx context.Context, uid, status string, abilities []string) {
	payload := map[string]any{"uid": uid, "status": status, "abilities": abilities}
	if err := c.invoke(ctx, "UpdateInstanceInfo", payload, nil); err != nil {
		logging.Op().Warn("update_instance_info failed", "uid", uid, "error", err)
	}
}

// ClearStatus clears a uid's status row after a non-crash terminate.
func (c *Client) ClearStatus(ctx context.Context, uid string) {
	payload := map[string]any{"uid": uid, "status": "TERMINATED"}
	if err := c.invoke(ctx, "UpdateInstanceInfo", payload, nil); err != nil {
		logging.Op().Warn("update_instance_info (clear) failed", "uid", uid, "error", err)
	}
}

// RecordModelVersion pushes one model's description to the Cache Tracker.
func (c *Client) RecordModelVersion(ctx context.Context, desc domain.ModelDescription) error {
	return c.invoke(ctx, "RecordModelVersion", map[string]any{string(desc.ModelType): desc}, nil)
}

// IsVLLMBacked reports whether replicaUID's engine is vLLM, consulted
// locally against the Model Table rather than over the wire: the
// supervisor has no better answer than what the Worker already recorded
// at commit time.
func (c *Client) IsVLLMBacked(replicaUID string) bool {
	if c.table == nil {
		return false
	}
	for _, v := range c.table.SupportedModelVersions() {
		if v.ModelUID == replicaUID {
			return v.Engine == "vllm"
		}
	}
	return false
}

// UnregisterRank asks the remote collective manager to drop a rank ahead
// of a recovery relaunch (spec §4.F step 4.d).
func (c *Client) UnregisterRank(ctx context.Context, rank int) error {
	payload := map[string]any{"op": "unregister_rank", "rank": rank}
	return c.invoke(ctx, "CallCollectiveManager", payload, nil)
}

// RegisterRank re-binds a rank to its relaunched address.
func (c *Client) RegisterRank(ctx context.Context, rank int, newAddress string, update bool) error {
	payload := map[string]any{"op": "register_rank", "rank": rank, "address": newAddress, "update": update}
	return c.invoke(ctx, "CallCollectiveManager", payload, nil)
}


// CachedModel describes one artifact in the Cache Tracker's catalog (spec
// §6 outbound "list_cached_models").
type CachedModel struct {
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version,omitempty"`
	Format       string `json:"model_format,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	Path         string `json:"path"`
}

// ListCachedModels asks the Cache Tracker for every artifact cached on
// this node, optionally filtered by modelName (empty means no filter).
func (c *Client) ListCachedModels(ctx context.Context, modelName string) ([]CachedModel, error) {
	var resp struct {
		Models []CachedModel `json:"models"`
	}
	if err := c.invoke(ctx, "ListCachedModels", map[string]any{"address": c.cfg.WorkerAddress, "model_name": modelName}, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// CacheLocation asks the Cache Tracker for the on-disk location recorded
// against modelVersion, the seed path the Worker expands into the full set
// of deletable files (spec §6 "Persisted state").
func (c *Client) CacheLocation(ctx context.Context, modelVersion string) (string, error) {
	var resp struct {
		Path string `json:"path"`
	}
	if err := c.invoke(ctx, "ListDeletableModels", map[string]any{"model_version": modelVersion, "address": c.cfg.WorkerAddress}, &resp); err != nil {
		return "", err
	}
	return resp.Path, nil
}

// ConfirmAndRemoveModel tells the Cache Tracker that modelVersion's on-disk
// artifact has been physically deleted by the Worker (spec §6 "Persisted
// state": the Worker performs the filesystem delete, the Cache Tracker
// only tracks metadata).
func (c *Client) ConfirmAndRemoveModel(ctx context.Context, modelVersion string) error {
	return c.invoke(ctx, "ConfirmAndRemoveModel", map[string]any{"model_version": modelVersion, "address": c.cfg.WorkerAddress}, nil)
}

// UpdateCacheStatus reports a cache-side status change (e.g. download
// completion) to the Cache Tracker.
func (c *Client) UpdateCacheStatus(ctx context.Context, modelName, status string) error {
	return c.invoke(ctx, "UpdateCacheStatus", map[string]any{"model_name": modelName, "status": status}, nil)
}

// ReportWorkerStatus pushes one Health Reporter sample (spec §6 outbound,
// "report_worker_status"). Implements health.SupervisorFacade.
func (c *Client) ReportWorkerStatus(ctx context.Context, address string, info health.NodeInfo) error {
	return c.invoke(ctx, "ReportWorkerStatus", map[string]any{"address": address, "info": info}, nil)
}

// Close tears down the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
