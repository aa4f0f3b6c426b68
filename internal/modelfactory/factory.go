// Package modelfactory implements the model-family factory seam the
// Launch Controller calls at step 4 ("Downloaded"): resolving a launch's
// artifacts (fetching them when not already local) and returning the
// model description the controller commits. Per-family business logic
// (the actual model loading smarts) is the out-of-scope Model Actor's
// concern (spec §1); this package only owns artifact resolution and the
// download-progress pump.
package modelfactory

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/downloader"
	"github.com/cortexnode/worker/internal/launch"
	"github.com/cortexnode/worker/internal/progress"
)

// ProgressTracker opens the two-stage progress stream keyed
// "launching-<uid>" (spec §6 outbound) and hands back the Stream the
// Bridge pumps into.
type ProgressTracker interface {
	OpenStream(uid string) *progress.Stream
	CloseStream(uid string)
}

// S3Config resolves an S3 bucket/key for a launch whose artifacts are not
// already present at a local model_path.
type S3Config struct {
	Region string
	Bucket string
}

// Factory is a launch.ModelFactory that downloads artifacts from S3 when
// args.ModelPath is unset, pumping progress through the Progress Tracker,
// and synthesizes the committed ModelDescription. Families that declare
// "need_create_pools" (multi-device/multi-worker model types) report it
// via NeedPoolsTypes.
type Factory struct {
	CacheDir       string
	S3             S3Config
	Progress       ProgressTracker
	NeedPoolsTypes map[domain.ModelType]bool
}

// New constructs a Factory rooted at cacheDir for downloaded artifacts.
func New(cacheDir string, s3 S3Config, tracker ProgressTracker) *Factory {
	return &Factory{
		CacheDir: cacheDir,
		S3:       s3,
		Progress: tracker,
		NeedPoolsTypes: map[domain.ModelType]bool{
			domain.ModelTypeLLM:   true,
			domain.ModelTypeImage: true,
			domain.ModelTypeAudio: true,
		},
	}
}

// CreateModelInstance implements launch.ModelFactory. When ModelPath is
// already set, no fetch is needed; otherwise it opens an S3 downloader,
// registers it with the controller (so CancelLaunch can interrupt it),
// and pumps its progress into the per-uid stream until it completes.
func (f *Factory) CreateModelInstance(ctx context.Context, args domain.LaunchArgs, registerDownloader func(launch.Downloader)) (domain.ModelDescription, error) {
	if args.ModelPath == "" {
		if _, err := f.fetch(ctx, args, registerDownloader); err != nil {
			return domain.ModelDescription{}, err
		}
	}

	return domain.ModelDescription{
		ModelUID:  args.ModelUID,
		ModelName: args.ModelName,
		ModelType: args.ModelType,
		Engine:    args.Engine,
	}, nil
}

func (f *Factory) fetch(ctx context.Context, args domain.LaunchArgs, registerDownloader func(launch.Downloader)) (string, error) {
	destPath := filepath.Join(f.CacheDir, args.ModelName, filepath.Base(args.ModelUID))
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", domain.Downstream("create cache directory", err)
	}

	dl, err := downloader.NewS3(ctx, downloader.S3Config{
		Region:   f.S3.Region,
		Bucket:   f.S3.Bucket,
		Key:      args.ModelName,
		DestPath: destPath,
	})
	if err != nil {
		return "", err
	}
	if registerDownloader != nil {
		registerDownloader(dl)
	}
	if err := dl.Start(); err != nil {
		return "", err
	}

	if f.Progress != nil {
		stream := f.Progress.OpenStream(args.ModelUID)
		defer f.Progress.CloseStream(args.ModelUID)
		bridge := progress.NewBridge(stream, dl.Cancelled)
		if err := bridge.Pump(ctx, dl); err != nil {
			return "", err
		}
	} else {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for !dl.Done() {
			select {
			case <-ctx.Done():
				return "", domain.Cancelled(domain.ErrCancelledLaunchMsg)
			case <-ticker.C:
			}
		}
	}
	if err := dl.Err(); err != nil {
		return "", err
	}
	return destPath, nil
}

// NeedCreatePools implements launch.ModelFactory (spec step 7).
func (f *Factory) NeedCreatePools(desc domain.ModelDescription) bool {
	return f.NeedPoolsTypes[desc.ModelType]
}
