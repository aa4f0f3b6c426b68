package subpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cortexnode/worker/internal/domain"
)

// fakePrimitive is an in-memory PoolPrimitive for exercising Broker without
// spawning real processes.
type fakePrimitive struct {
	mu      sync.Mutex
	exitCh  map[string]chan error
	killed  map[string]bool
	signals map[string]bool
}

func newFakePrimitive() *fakePrimitive {
	return &fakePrimitive{
		exitCh:  make(map[string]chan error),
		killed:  make(map[string]bool),
		signals: make(map[string]bool),
	}
}

func (f *fakePrimitive) Start(ctx context.Context, uid string, args domain.LaunchArgs, addr string) error {
	f.mu.Lock()
	f.exitCh[uid] = make(chan error, 1)
	f.mu.Unlock()
	return nil
}

func (f *fakePrimitive) Wait(uid string) error {
	f.mu.Lock()
	ch := f.exitCh[uid]
	f.mu.Unlock()
	return <-ch
}

func (f *fakePrimitive) Signal(uid string) error {
	f.mu.Lock()
	f.signals[uid] = true
	ch := f.exitCh[uid]
	f.mu.Unlock()
	ch <- nil
	return nil
}

func (f *fakePrimitive) Kill(uid string) error {
	f.mu.Lock()
	f.killed[uid] = true
	ch, ok := f.exitCh[uid]
	f.mu.Unlock()
	if ok {
		select {
		case ch <- errors.New("killed"):
		default:
		}
	}
	return nil
}

func TestCreateAndRemoveSubPoolGraceful(t *testing.T) {
	prim := newFakePrimitive()
	b := New(prim, 2*time.Second)

	var recovered bool
	var mu sync.Mutex
	b.RegisterRecoverCallback(func(uid, addr string, err error) {
		mu.Lock()
		recovered = true
		mu.Unlock()
	})

	ctx := context.Background()
	if _, err := b.CreateSubPool(ctx, "m-0", domain.LaunchArgs{}); err != nil {
		t.Fatalf("CreateSubPool: %v", err)
	}
	if err := b.RemoveSubPool(ctx, "m-0"); err != nil {
		t.Fatalf("RemoveSubPool: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if recovered {
		t.Fatal("expected no recovery callback for a graceful removal")
	}
	if b.Count() != 0 {
		t.Fatalf("expected 0 pools after removal, got %d", b.Count())
	}
}

func TestUnexpectedDeathInvokesRecoverCallback(t *testing.T) {
	prim := newFakePrimitive()
	b := New(prim, 2*time.Second)

	done := make(chan string, 1)
	b.RegisterRecoverCallback(func(uid, addr string, err error) {
		done <- uid
	})

	ctx := context.Background()
	if _, err := b.CreateSubPool(ctx, "m-1", domain.LaunchArgs{}); err != nil {
		t.Fatalf("CreateSubPool: %v", err)
	}

	prim.mu.Lock()
	ch := prim.exitCh["m-1"]
	prim.mu.Unlock()
	ch <- errors.New("crashed")

	select {
	case uid := <-done:
		if uid != "m-1" {
			t.Fatalf("recovered uid = %q, want m-1", uid)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recover callback")
	}
}

func TestCreateSubPoolConflict(t *testing.T) {
	prim := newFakePrimitive()
	b := New(prim, time.Second)
	ctx := context.Background()

	if _, err := b.CreateSubPool(ctx, "dup", domain.LaunchArgs{}); err != nil {
		t.Fatal(err)
	}
	_, err := b.CreateSubPool(ctx, "dup", domain.LaunchArgs{})
	if domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected Conflict for duplicate uid, got %v", err)
	}
}
