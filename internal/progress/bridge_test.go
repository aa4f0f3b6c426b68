package progress

import (
	"context"
	"testing"

	"github.com/cortexnode/worker/internal/domain"
)

type fakeHandle struct {
	done     bool
	fraction float64
	errMsg   string
}

func (f *fakeHandle) Done() bool        { return f.done }
func (f *fakeHandle) Fraction() float64 { return f.fraction }
func (f *fakeHandle) RaiseError(msg string) {
	f.errMsg = msg
	f.done = true
}

func TestPumpCompletesOnDone(t *testing.T) {
	s := NewStream()
	ch := s.Subscribe()
	b := NewBridge(s, func() bool { return false })

	h := &fakeHandle{done: true}
	if err := b.Pump(context.Background(), h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u := <-ch
	if u.Fraction != 1.0 || u.Label != "Start to load model" {
		t.Fatalf("unexpected terminal update: %+v", u)
	}
}

func TestPumpRaisesOnCancellation(t *testing.T) {
	s := NewStream()
	b := NewBridge(s, func() bool { return true })

	h := &fakeHandle{}
	err := b.Pump(context.Background(), h)
	if domain.KindOf(err) != domain.KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if h.errMsg != domain.ErrCancelledLaunchMsg {
		t.Fatalf("expected RaiseError called with standard message, got %q", h.errMsg)
	}
}
