package progress

import (
	"context"
	"sync"
)

// Mirror is the subset of RedisPublisher a Tracker mirrors updates through;
// narrowed to an interface so a Tracker can run with mirroring disabled
// (nil Redis config) without a type assertion at every call site.
type Mirror interface {
	Mirror(ctx context.Context, uid string, stream *Stream)
}

// Tracker opens and closes the per-replica progress Stream referenced by
// modelfactory.ProgressTracker, keyed "launching-<uid>" at the Redis layer
// (spec §6 outbound). Streams live only for the duration of one launch;
// CloseStream drops the tracker's reference so its subscriber channels can
// be garbage collected once the launch's own goroutines exit.
type Tracker struct {
	mirror Mirror

	mu      sync.Mutex
	streams map[string]*Stream
	cancels map[string]context.CancelFunc
}

// NewTracker constructs a Tracker. mirror may be nil to run without a
// Redis mirror (streams are still readable in-process via Subscribe).
func NewTracker(mirror Mirror) *Tracker {
	return &Tracker{
		mirror:  mirror,
		streams: make(map[string]*Stream),
		cancels: make(map[string]context.CancelFunc),
	}
}

// OpenStream creates uid's Stream, starting a Redis mirror goroutine for it
// when a Mirror is configured.
func (t *Tracker) OpenStream(uid string) *Stream {
	stream := NewStream()

	t.mu.Lock()
	t.streams[uid] = stream
	t.mu.Unlock()

	if t.mirror != nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancels[uid] = cancel
		t.mu.Unlock()
		go t.mirror.Mirror(ctx, uid, stream)
	}

	return stream
}

// CloseStream stops uid's mirror goroutine (if any) and drops the stream.
func (t *Tracker) CloseStream(uid string) {
	t.mu.Lock()
	delete(t.streams, uid)
	cancel, ok := t.cancels[uid]
	delete(t.cancels, uid)
	t.mu.Unlock()

	if ok {
		cancel()
	}
}
