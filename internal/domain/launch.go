package domain

// ModelType enumerates the model families the Registration Facade (§4.H)
// and the post-commit abilities dispatch (§4.E) special-case.
type ModelType string

const (
	ModelTypeLLM       ModelType = "LLM"
	ModelTypeEmbedding ModelType = "embedding"
	ModelTypeRerank    ModelType = "rerank"
	ModelTypeImage     ModelType = "image"
	ModelTypeAudio     ModelType = "audio"
	ModelTypeVideo     ModelType = "video"
	ModelTypeFlexible  ModelType = "flexible"
)

// ModelFormat is the on-disk artifact format, relevant to the PEFT
// compatibility check in pre-validation step 5.
type ModelFormat string

const (
	FormatPytorch ModelFormat = "pytorch"
	FormatGGUFv2  ModelFormat = "ggufv2"
	FormatAWQ     ModelFormat = "awq"
	FormatGPTQ    ModelFormat = "gptq"
)

// GPUCount is n_gpu's tri-state: unset, an explicit count, or "auto".
type GPUCount struct {
	Auto bool
	N    int // valid only when !Auto and set
	Set  bool
}

// PEFTConfig describes an optional adapter overlay on top of the base model.
type PEFTConfig struct {
	AdapterName string            `json:"adapter_name"`
	AdapterPath string            `json:"adapter_path"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// RequestLimits bounds per-replica request concurrency/size, forwarded
// verbatim to the Model Actor at ActorCreated (spec step 6).
type RequestLimits struct {
	MaxConcurrentRequests int `json:"max_concurrent_requests,omitempty"`
	MaxBatchSize          int `json:"max_batch_size,omitempty"`
}

// DriverInfo is opaque metadata returned by the rank-0/shard-0 replica that
// peer shards need in order to join (Glossary).
type DriverInfo map[string]any

// XavierConfig configures a multi-replica coordination group with a rank-0
// coordinator owning a TCP rendezvous store (Glossary: Xavier).
type XavierConfig struct {
	Rank          int    `json:"rank"`
	RankAddress   string `json:"rank_address,omitempty"`
	StoreAddress  string `json:"store_address,omitempty"`
	StorePort     int    `json:"store_port,omitempty"`
	WorldSize     int    `json:"world_size,omitempty"`
}

// VenvConfig toggles and configures the per-launch virtualenv (§4.C).
type VenvConfig struct {
	Enable          *bool    `json:"enable,omitempty"` // nil = use global default
	Name            string   `json:"name,omitempty"`
	Packages        []string `json:"packages,omitempty"`
	SkipIfInstalled bool     `json:"skip_if_installed,omitempty"`
	InheritPipConfig bool    `json:"inherit_pip_config,omitempty"`
}

// LaunchArgs is the verbatim snapshot of a Launch call, captured at function
// entry before any side effect (spec §4.E pre-validation step 1, and the
// "locals() snapshot for recovery" design note in §9). Recovery replays this
// struct unchanged; never reconstruct it from partial state.
type LaunchArgs struct {
	ModelUID   string    `json:"model_uid"`
	ModelName  string    `json:"model_name"`
	ModelSize  string    `json:"model_size,omitempty"`
	ModelFormat ModelFormat `json:"model_format,omitempty"`
	Quantization string  `json:"quantization,omitempty"`
	Engine     string    `json:"engine,omitempty"`
	ModelType  ModelType `json:"model_type"`

	NWorker    int        `json:"n_worker,omitempty"`
	Shard      int        `json:"shard,omitempty"`
	DriverInfo DriverInfo `json:"driver_info,omitempty"`

	PEFT *PEFTConfig `json:"peft_model_config,omitempty"`

	RequestLimits RequestLimits `json:"request_limits,omitempty"`

	NGPU   GPUCount `json:"n_gpu,omitempty"`
	GPUIdx []int    `json:"gpu_idx,omitempty"`

	// GPUDisabled is computed at allocation time, not supplied by the caller:
	// set when NGPU was null (unset), meaning GPU visibility must be
	// explicitly turned off for the sub-pool rather than merely left
	// unallocated. Never persisted in the recovery snapshot.
	GPUDisabled bool `json:"-"`

	DownloadHub string `json:"download_hub,omitempty"`
	ModelPath   string `json:"model_path,omitempty"`

	Venv VenvConfig `json:"venv,omitempty"`

	ExtraEnvVars map[string]string `json:"extra_env_vars,omitempty"`
	ExtraPackages []string         `json:"extra_packages,omitempty"`

	Extensions map[string]any `json:"extensions,omitempty"`
}

// Clone returns a deep-enough copy of args suitable for storing at commit
// time (spec invariant 5: stored args must reproduce the launch).
func (a LaunchArgs) Clone() LaunchArgs {
	out := a
	if a.GPUIdx != nil {
		out.GPUIdx = append([]int(nil), a.GPUIdx...)
	}
	if a.ExtraEnvVars != nil {
		out.ExtraEnvVars = make(map[string]string, len(a.ExtraEnvVars))
		for k, v := range a.ExtraEnvVars {
			out.ExtraEnvVars[k] = v
		}
	}
	if a.ExtraPackages != nil {
		out.ExtraPackages = append([]string(nil), a.ExtraPackages...)
	}
	if a.Extensions != nil {
		out.Extensions = make(map[string]any, len(a.Extensions))
		for k, v := range a.Extensions {
			out.Extensions[k] = v
		}
	}
	if a.Venv.Packages != nil {
		out.Venv.Packages = append([]string(nil), a.Venv.Packages...)
	}
	return out
}
