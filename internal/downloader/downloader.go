// Package downloader implements the Downloader contract referenced by the
// Progress/Download Bridge (spec §4.D): a long-running fetch that reports
// fractional progress and can be cancelled mid-flight.
package downloader

import (
	"sync"
	"sync/atomic"

	"github.com/cortexnode/worker/internal/domain"
)

// Downloader is the handle the Bridge polls. Implementations run the fetch
// on their own goroutine from Start and update their internal progress
// counter as bytes arrive.
type Downloader interface {
	// Start begins the fetch in the background. Returns once the fetch has
	// been kicked off, not once it completes.
	Start() error

	// Done reports whether the fetch has finished (successfully or not).
	Done() bool

	// Fraction reports the current download progress in [0, 1].
	Fraction() float64

	// Err returns the terminal error, if the fetch failed or was cancelled.
	Err() error

	// RaiseError synthesizes a terminal error (used by the Bridge when the
	// Launching Guard's cancellation flag is observed).
	RaiseError(msg string)

	// Cancelled reports whether Cancel has been called.
	Cancelled() bool

	// Cancel requests the in-flight fetch stop at its next checkpoint.
	Cancel()
}

// base provides the cancellation flag, done/error state, and fraction
// bookkeeping shared by every concrete Downloader, so implementations only
// need to supply the actual transfer.
type base struct {
	mu        sync.Mutex
	done      bool
	err       error
	cancelled atomic.Bool

	totalBytes atomic.Int64
	readBytes  atomic.Int64
}

func (b *base) Fraction() float64 {
	total := b.totalBytes.Load()
	if total <= 0 {
		return 0
	}
	read := b.readBytes.Load()
	if read >= total {
		return 1
	}
	return float64(read) / float64(total)
}

func (b *base) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) RaiseError(msg string) {
	b.finish(domain.Cancelled(msg))
}

func (b *base) finish(err error) {
	b.mu.Lock()
	if !b.done {
		b.done = true
		b.err = err
	}
	b.mu.Unlock()
}

func (b *base) Cancelled() bool { return b.cancelled.Load() }

func (b *base) Cancel() { b.cancelled.Store(true) }
