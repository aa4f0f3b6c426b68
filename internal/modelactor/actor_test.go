package modelactor

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cortexnode/worker/internal/domain"
)

func startFakeActor(t *testing.T) (string, *int) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	calls := 0
	methods := []string{"Create", "BindExtraPools", "Load", "Destroy"}
	desc := grpc.ServiceDesc{ServiceName: ServiceName, HandlerType: (*any)(nil)}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m,
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				req := new(structpb.Struct)
				if err := dec(req); err != nil {
					return nil, err
				}
				calls++
				return structpb.NewStruct(map[string]any{})
			},
		})
	}
	gsrv := grpc.NewServer()
	gsrv.RegisterService(&desc, struct{}{})
	go gsrv.Serve(lis)
	t.Cleanup(gsrv.Stop)
	return lis.Addr().String(), &calls
}

func TestCreateThenLoadThenDestroy(t *testing.T) {
	addr, calls := startFakeActor(t)
	c := New()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Create(ctx, addr, "uid-0", domain.ModelDescription{ModelUID: "uid-0"}, domain.RequestLimits{}, nil, 1, 0, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Load(ctx, "uid-0"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Destroy(ctx, "uid-0", time.Second); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if *calls != 3 {
		t.Fatalf("expected 3 calls, got %d", *calls)
	}
}

func TestLoadWithoutCreateIsNotFound(t *testing.T) {
	c := New()
	err := c.Load(context.Background(), "unknown")
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDestroyUnknownReplicaIsNoop(t *testing.T) {
	c := New()
	if err := c.Destroy(context.Background(), "unknown", time.Second); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
