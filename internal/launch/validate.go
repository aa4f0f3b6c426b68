package launch

import (
	"os"

	"github.com/cortexnode/worker/internal/domain"
)

// validate runs spec pre-validation steps 3–8 (steps 1–2, snapshotting args
// and reporting the "Launch model" event, are handled by the caller since
// they must happen before validation can even reject the request).
func (c *Controller) validate(args domain.LaunchArgs) ([]int, error) {
	gpuIdx := append([]int(nil), args.GPUIdx...)

	// Step 4: validate n_gpu when gpu_idx was not supplied (step 3: gpu_idx,
	// when set, takes priority and n_gpu is ignored).
	if len(gpuIdx) == 0 && args.NGPU.Set && !args.NGPU.Auto {
		if args.NGPU.N < 1 || args.NGPU.N > c.hostGPUCount {
			return nil, domain.InvalidArgf("n_gpu %d out of range [1, %d]", args.NGPU.N, c.hostGPUCount)
		}
	}

	// Step 5: PEFT compatibility.
	if args.PEFT != nil {
		if args.ModelType == domain.ModelTypeEmbedding || args.ModelType == domain.ModelTypeRerank {
			return nil, domain.InvalidArg("peft_model_config is not supported for embedding/rerank models")
		}
		if args.ModelType == domain.ModelTypeLLM && args.ModelFormat == domain.FormatGGUFv2 {
			return nil, domain.InvalidArg("peft_model_config is not supported with ggufv2 format")
		}
	}

	// Step 6: model_path must exist if set.
	if args.ModelPath != "" {
		if _, err := os.Stat(args.ModelPath); err != nil {
			return nil, domain.InvalidArgf("model_path %q does not exist: %v", args.ModelPath, err)
		}
	}

	// Step 7: uid must not already be tracked.
	c.mu.Lock()
	tracked := c.inGuardOrTableLocked(args.ModelUID)
	c.mu.Unlock()
	if tracked {
		return nil, domain.Conflict("model_uid " + args.ModelUID + " is already launching or running")
	}

	// Step 8: platform sanity check.
	if err := c.platform(args); err != nil {
		return nil, err
	}

	return gpuIdx, nil
}
