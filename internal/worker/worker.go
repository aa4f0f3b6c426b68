// Package worker assembles the Launch Controller, Registration Facade,
// and the Cache Tracker/Supervisor outbound surfaces into the single
// wireservice.Handler the gRPC server dispatches against (spec §6's
// inbound operations table).
package worker

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/launch"
	"github.com/cortexnode/worker/internal/registry"
	"github.com/cortexnode/worker/internal/rpcenvelope"
	"github.com/cortexnode/worker/internal/supervisorclient"
)

// LaunchController is the subset of *launch.Controller the Worker drives.
type LaunchController interface {
	Launch(ctx context.Context, args domain.LaunchArgs) (launch.LaunchResult, error)
	LaunchRank0(ctx context.Context, uid string, xavier domain.XavierConfig) (launch.Rank0Result, error)
	CancelLaunch(ctx context.Context, uid string) error
	Terminate(ctx context.Context, uid string, isModelDie bool) error
	Get(uid string) (domain.ModelEntry, error)
	List() []domain.ModelEntry
	Count() int
	IsLaunching(uid string) bool
	SetStatus(uid string, status domain.ModelStatus) error
}

// ModelActor is the subset of modelactor.Client used directly by the
// Worker (outside the Launch Controller's own use of it), for the
// start_transfer_for_vllm inbound operation (spec §6).
type ModelActor interface {
	StartTransferForVLLM(ctx context.Context, replicaUID string, addrs []string) error
}

// CacheTracker is the outbound Cache Tracker surface (spec §6 outbound),
// implemented by internal/supervisorclient.Client.
type CacheTracker interface {
	ListCachedModels(ctx context.Context, modelName string) ([]supervisorclient.CachedModel, error)
	CacheLocation(ctx context.Context, modelVersion string) (string, error)
	ConfirmAndRemoveModel(ctx context.Context, modelVersion string) error
}

// Worker implements wireservice.Handler.
type Worker struct {
	launch   LaunchController
	registry *registry.Facade
	actor    ModelActor
	cache    CacheTracker
	address  string
}

// New constructs a Worker.
func New(lc LaunchController, reg *registry.Facade, actor ModelActor, cache CacheTracker, address string) *Worker {
	return &Worker{launch: lc, registry: reg, actor: actor, cache: cache, address: address}
}

// Count implements supervisorclient.ModelTableView.
func (w *Worker) Count() int { return w.launch.Count() }

// SupportedModelVersions implements supervisorclient.ModelTableView: the
// descriptions of every committed model, merged by the Supervisor Client
// into a record_model_version push on (re)connect.
func (w *Worker) SupportedModelVersions() []domain.ModelDescription {
	entries := w.launch.List()
	out := make([]domain.ModelDescription, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Description)
	}
	return out
}

func decodeUID(req *structpb.Struct) (string, error) {
	var body struct {
		UID string `json:"uid"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return "", domain.InvalidArg("malformed request: " + err.Error())
	}
	if body.UID == "" {
		return "", domain.InvalidArg("uid is required")
	}
	return body.UID, nil
}

// waitForLoad blocks until uid leaves the Launching Guard, or ctx is
// cancelled. It adapts the reference's per-actor wait_for_load: since
// Launch here already runs synchronously to completion (or failure)
// before its own caller observes a result, a concurrent wait only needs
// to poll the guard, not coordinate with an in-flight RPC.
func (w *Worker) waitForLoad(ctx context.Context, uid string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for w.launch.IsLaunching(uid) {
		select {
		case <-ctx.Done():
			return domain.Cancelled("wait_for_load cancelled")
		case <-ticker.C:
		}
	}
	return nil
}
