package progress

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeMirror struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeMirror) Mirror(ctx context.Context, uid string, stream *Stream) {
	f.mu.Lock()
	f.started = append(f.started, uid)
	f.mu.Unlock()
	<-ctx.Done()
}

func TestOpenStreamStartsMirrorAndCloseStopsIt(t *testing.T) {
	m := &fakeMirror{}
	tr := NewTracker(m)

	stream := tr.OpenStream("m-0")
	if stream == nil {
		t.Fatal("expected non-nil stream")
	}

	deadline := time.Now().Add(time.Second)
	for {
		m.mu.Lock()
		n := len(m.started)
		m.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mirror goroutine never started")
		}
		time.Sleep(time.Millisecond)
	}

	tr.CloseStream("m-0")

	tr.mu.Lock()
	_, stillTracked := tr.streams["m-0"]
	tr.mu.Unlock()
	if stillTracked {
		t.Fatal("expected stream to be dropped after CloseStream")
	}
}

func TestOpenStreamWithoutMirrorIsUsable(t *testing.T) {
	tr := NewTracker(nil)
	stream := tr.OpenStream("m-1")
	stream.PushOverall(1.0, "done")
	if got := stream.Last().Fraction; got != 1.0 {
		t.Fatalf("expected last fraction 1.0, got %v", got)
	}
	tr.CloseStream("m-1")
}
