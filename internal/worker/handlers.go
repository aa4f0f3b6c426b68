package worker

import (
	"context"
	"encoding/json"
	"os"
	"syscall"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/logging"
	"github.com/cortexnode/worker/internal/rpcenvelope"
)

// findEntry performs the same linear scan FindBySubPoolAddress uses, for
// callers that want a committed entry without Get's "raise on last_error"
// behaviour (describe_model, list_models-adjacent lookups, status reads).
func (w *Worker) findEntry(uid string) (domain.ModelEntry, bool) {
	for _, e := range w.launch.List() {
		if e.Ref.ReplicaUID == uid {
			return e, true
		}
	}
	return domain.ModelEntry{}, false
}

// LaunchBuiltinModel implements wireservice.Handler (spec §4.E).
func (w *Worker) LaunchBuiltinModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var args domain.LaunchArgs
	if err := rpcenvelope.Decode(req, &args); err != nil {
		return nil, domain.InvalidArg("malformed launch args: " + err.Error())
	}
	result, err := w.launch.Launch(ctx, args)
	if err != nil {
		return nil, err
	}
	resp := map[string]any{"subpool_address": result.SubPoolAddress}
	if result.HasDriverInfo {
		resp["driver_info"] = result.DriverInfo
	}
	return rpcenvelope.Encode(resp)
}

// LaunchRank0Model implements wireservice.Handler (spec "Rank-0 fast
// path").
func (w *Worker) LaunchRank0Model(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		UID     string             `json:"uid"`
		Xavier  domain.XavierConfig `json:"xavier_config"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed launch_rank0 args: " + err.Error())
	}
	if body.UID == "" {
		return nil, domain.InvalidArg("uid is required")
	}
	result, err := w.launch.LaunchRank0(ctx, body.UID, body.Xavier)
	if err != nil {
		return nil, err
	}
	return rpcenvelope.Encode(map[string]any{
		"subpool_address": result.SubPoolAddress,
		"store_port":       result.StorePort,
	})
}

// CancelLaunchModel implements wireservice.Handler (spec §4.E-Cancel).
func (w *Worker) CancelLaunchModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := decodeUID(req)
	if err != nil {
		return nil, err
	}
	if err := w.launch.CancelLaunch(ctx, uid); err != nil {
		return nil, err
	}
	return rpcenvelope.Empty(), nil
}

// TerminateModel implements wireservice.Handler (spec §4.E-Terminate).
func (w *Worker) TerminateModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		UID        string `json:"uid"`
		IsModelDie bool   `json:"is_model_die"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed terminate args: " + err.Error())
	}
	if body.UID == "" {
		return nil, domain.InvalidArg("uid is required")
	}
	if err := w.launch.Terminate(ctx, body.UID, body.IsModelDie); err != nil {
		return nil, err
	}
	return rpcenvelope.Empty(), nil
}

// WaitForLoad implements wireservice.Handler.
func (w *Worker) WaitForLoad(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := decodeUID(req)
	if err != nil {
		return nil, err
	}
	if err := w.waitForLoad(ctx, uid); err != nil {
		return nil, err
	}
	return rpcenvelope.Empty(), nil
}

// GetModel implements wireservice.Handler: raises with the stored
// last_error when the model has a recorded fault (spec §7 "User-visible
// behavior").
func (w *Worker) GetModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := decodeUID(req)
	if err != nil {
		return nil, err
	}
	entry, err := w.launch.Get(uid)
	if err != nil {
		return nil, err
	}
	return rpcenvelope.Encode(map[string]any{
		"replica_uid":     entry.Ref.ReplicaUID,
		"subpool_address": entry.Ref.SubPoolAddress,
		"abilities":       entry.Ref.Abilities,
	})
}

// DescribeModel implements wireservice.Handler.
func (w *Worker) DescribeModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := decodeUID(req)
	if err != nil {
		return nil, err
	}
	entry, ok := w.findEntry(uid)
	if !ok {
		return nil, domain.NotFound("model not found in the model list, uid: " + uid)
	}
	return rpcenvelope.Encode(entry.Description)
}

// ListModels implements wireservice.Handler.
func (w *Worker) ListModels(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entries := w.launch.List()
	models := make(map[string]domain.ModelDescription, len(entries))
	for _, e := range entries {
		models[e.Ref.ReplicaUID] = e.Description
	}
	return rpcenvelope.Encode(map[string]any{"models": models})
}

// GetModelCount implements wireservice.Handler.
func (w *Worker) GetModelCount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return rpcenvelope.Encode(map[string]any{"count": w.launch.Count()})
}

// RegisterModel implements wireservice.Handler (spec §4.H).
func (w *Worker) RegisterModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		ModelType string          `json:"model_type"`
		ModelSpec json.RawMessage `json:"model_spec"`
		Persist   bool            `json:"persist"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed register_model args: " + err.Error())
	}
	if err := w.registry.Register(ctx, domain.ModelType(body.ModelType), body.ModelSpec, body.Persist); err != nil {
		return nil, err
	}
	return rpcenvelope.Empty(), nil
}

// UnregisterModel implements wireservice.Handler.
func (w *Worker) UnregisterModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		ModelType string `json:"model_type"`
		ModelName string `json:"model_name"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed unregister_model args: " + err.Error())
	}
	if err := w.registry.Unregister(ctx, domain.ModelType(body.ModelType), body.ModelName); err != nil {
		return nil, err
	}
	return rpcenvelope.Empty(), nil
}

// ListModelRegistrations implements wireservice.Handler.
func (w *Worker) ListModelRegistrations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		ModelType string `json:"model_type"`
		Detailed  bool   `json:"detailed"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed list_model_registrations args: " + err.Error())
	}
	entries, err := w.registry.ListRegistrations(domain.ModelType(body.ModelType), body.Detailed)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		row := map[string]any{"model_name": e.Name}
		if body.Detailed {
			row["model_spec"] = e.Spec
		}
		out = append(out, row)
	}
	return rpcenvelope.Encode(map[string]any{"registrations": out})
}

// GetModelRegistration implements wireservice.Handler.
func (w *Worker) GetModelRegistration(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		ModelType string `json:"model_type"`
		ModelName string `json:"model_name"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed get_model_registration args: " + err.Error())
	}
	entry, err := w.registry.GetRegistration(domain.ModelType(body.ModelType), body.ModelName)
	if err != nil {
		return nil, err
	}
	return rpcenvelope.Encode(map[string]any{"model_name": entry.Name, "model_spec": entry.Spec})
}

// QueryEnginesByModelName implements wireservice.Handler. Built-in engine
// catalogs are an out-of-scope model-family concern (spec §1); this
// reports the engines actually observed among committed Model Table
// entries sharing model_name, the only concrete engine data the Worker
// itself holds.
func (w *Worker) QueryEnginesByModelName(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		ModelName string `json:"model_name"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed query_engines_by_model_name args: " + err.Error())
	}
	seen := make(map[string]struct{})
	var engines []string
	for _, e := range w.launch.List() {
		if e.Description.ModelName != body.ModelName || e.Description.Engine == "" {
			continue
		}
		if _, ok := seen[e.Description.Engine]; ok {
			continue
		}
		seen[e.Description.Engine] = struct{}{}
		engines = append(engines, e.Description.Engine)
	}
	return rpcenvelope.Encode(map[string]any{"engines": engines})
}

// ListCachedModels implements wireservice.Handler.
func (w *Worker) ListCachedModels(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		ModelName string `json:"model_name"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed list_cached_models args: " + err.Error())
	}
	models, err := w.cache.ListCachedModels(ctx, body.ModelName)
	if err != nil {
		return nil, err
	}
	return rpcenvelope.Encode(map[string]any{"models": models})
}

// ListDeletableModels implements wireservice.Handler: resolves the Cache
// Tracker's recorded location into the full set of files the Worker would
// delete (spec §6 "Persisted state"), without deleting anything.
func (w *Worker) ListDeletableModels(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		ModelVersion string `json:"model_version"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed list_deletable_models args: " + err.Error())
	}
	location, err := w.cache.CacheLocation(ctx, body.ModelVersion)
	if err != nil {
		return nil, err
	}
	return rpcenvelope.Encode(map[string]any{"paths": deletablePaths(location)})
}

// ConfirmAndRemoveModel implements wireservice.Handler: physically deletes
// the cached artifact's files (spec §6 "Persisted state": the Worker
// performs the delete, the Cache Tracker only tracks metadata), then
// confirms with the Cache Tracker. A deletion failure is reported via
// success=false rather than an error; removePaths stops at the first path
// it fails to delete, and the Cache Tracker is then not confirmed.
func (w *Worker) ConfirmAndRemoveModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		ModelVersion string `json:"model_version"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed confirm_and_remove_model args: " + err.Error())
	}
	location, err := w.cache.CacheLocation(ctx, body.ModelVersion)
	if err != nil {
		return nil, err
	}
	paths := deletablePaths(location)
	if err := removePaths(paths); err != nil {
		logging.Op().Error("delete cached model files failed", "model_version", body.ModelVersion, "error", err)
		return rpcenvelope.Encode(map[string]any{"success": false})
	}
	if err := w.cache.ConfirmAndRemoveModel(ctx, body.ModelVersion); err != nil {
		return nil, err
	}
	return rpcenvelope.Encode(map[string]any{"success": true})
}

// GetWorkersInfo implements wireservice.Handler.
func (w *Worker) GetWorkersInfo(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entries := w.launch.List()
	models := make(map[string]domain.ModelDescription, len(entries))
	for _, e := range entries {
		models[e.Ref.ReplicaUID] = e.Description
	}
	return rpcenvelope.Encode(map[string]any{"address": w.address, "models": models})
}

// GetModelStatus implements wireservice.Handler.
func (w *Worker) GetModelStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := decodeUID(req)
	if err != nil {
		return nil, err
	}
	entry, ok := w.findEntry(uid)
	if !ok {
		return nil, domain.NotFound("no model status for " + uid)
	}
	return rpcenvelope.Encode(map[string]any{"last_error": entry.Status.LastError})
}

// UpdateModelStatus implements wireservice.Handler.
func (w *Worker) UpdateModelStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		UID       string `json:"uid"`
		LastError string `json:"last_error"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed update_model_status args: " + err.Error())
	}
	if body.UID == "" {
		return nil, domain.InvalidArg("uid is required")
	}
	if err := w.launch.SetStatus(body.UID, domain.ModelStatus{LastError: body.LastError}); err != nil {
		return nil, err
	}
	return rpcenvelope.Empty(), nil
}

// GetModelLaunchStatus implements wireservice.Handler. Returns "CREATING"
// while uid is in the Launching Guard, "READY" once committed, or an
// empty status otherwise (spec "Provide an interface for future version
// of supervisor to call").
func (w *Worker) GetModelLaunchStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := decodeUID(req)
	if err != nil {
		return nil, err
	}
	status := ""
	switch {
	case w.launch.IsLaunching(uid):
		status = "CREATING"
	default:
		if _, ok := w.findEntry(uid); ok {
			status = "READY"
		}
	}
	return rpcenvelope.Encode(map[string]any{"status": status})
}

// StartTransferForVLLM implements wireservice.Handler (spec §6).
func (w *Worker) StartTransferForVLLM(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		UID           string   `json:"uid"`
		RankAddresses []string `json:"rank_addresses"`
	}
	if err := rpcenvelope.Decode(req, &body); err != nil {
		return nil, domain.InvalidArg("malformed start_transfer_for_vllm args: " + err.Error())
	}
	if body.UID == "" {
		return nil, domain.InvalidArg("uid is required")
	}
	if err := w.actor.StartTransferForVLLM(ctx, body.UID, body.RankAddresses); err != nil {
		return nil, err
	}
	return rpcenvelope.Empty(), nil
}

// TriggerExit implements wireservice.Handler: signals this process's own
// SIGINT, reusing the same shutdown path the Supervisor Client's SIGINT
// handler drives (best-effort remove_worker, then exit).
func (w *Worker) TriggerExit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		logging.Op().Warn("trigger_exit: find self process failed", "error", err)
		return rpcenvelope.Encode(map[string]any{"success": false})
	}
	if err := proc.Signal(syscall.SIGINT); err != nil {
		logging.Op().Warn("trigger_exit: signal self failed", "error", err)
		return rpcenvelope.Encode(map[string]any{"success": false})
	}
	return rpcenvelope.Encode(map[string]any{"success": true})
}
