package progress

import (
	"context"
	"time"

	"github.com/cortexnode/worker/internal/domain"
)

// DownloadHandle is the subset of downloader.Downloader the Bridge needs,
// kept local to avoid an import cycle between progress and downloader.
type DownloadHandle interface {
	Done() bool
	Fraction() float64
	RaiseError(msg string)
}

// Bridge runs the cooperative polling loop of spec §4.D: while the handle
// reports not-done, read fractional progress and forward it into stage 0 of
// the stream; sleep 1s; on done, push 1.0 labelled "Start to load model".
type Bridge struct {
	Stream    *Stream
	Cancelled func() bool
}

// NewBridge constructs a Bridge publishing into stream, observing cancelled
// for the cancellation checkpoint described in §4.D.
func NewBridge(stream *Stream, cancelled func() bool) *Bridge {
	return &Bridge{Stream: stream, Cancelled: cancelled}
}

// Pump runs until handle reports done, ctx is cancelled, or the Launching
// Guard's cancellation flag is observed — in which case it calls
// handle.RaiseError with the standard cancelled-launch message and returns.
func (b *Bridge) Pump(ctx context.Context, handle DownloadHandle) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if b.Cancelled != nil && b.Cancelled() {
			handle.RaiseError(domain.ErrCancelledLaunchMsg)
			return domain.Cancelled(domain.ErrCancelledLaunchMsg)
		}
		if handle.Done() {
			b.Stream.PushOverall(1.0, "Start to load model")
			return nil
		}
		b.Stream.PushStage(0, handle.Fraction(), "download")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
