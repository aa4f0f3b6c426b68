package wireservice

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cortexnode/worker/internal/domain"
)

type fakeHandler struct {
	Handler
	getModelCountCalled bool
	failKind            domain.Kind
}

func (f *fakeHandler) GetModelCount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.getModelCountCalled = true
	if f.failKind != "" {
		return nil, &domain.Error{Kind: f.failKind, Message: "boom"}
	}
	s, _ := structpb.NewStruct(map[string]any{"count": 3.0})
	return s, nil
}

func findMethod(name string) (func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error), bool) {
	for _, m := range Desc.Methods {
		if m.MethodName == name {
			return m.Handler, true
		}
	}
	return nil, false
}

func TestGetModelCountDispatches(t *testing.T) {
	h := &fakeHandler{}
	m, ok := findMethod("GetModelCount")
	if !ok {
		t.Fatal("GetModelCount not registered in ServiceDesc")
	}
	dec := func(v any) error { return nil }
	resp, err := m(h, context.Background(), dec, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !h.getModelCountCalled {
		t.Fatal("expected GetModelCount to be invoked")
	}
	s := resp.(*structpb.Struct)
	if s.GetFields()["count"].GetNumberValue() != 3.0 {
		t.Fatalf("unexpected response: %v", s)
	}
}

func TestDomainErrorMapsToGRPCStatus(t *testing.T) {
	h := &fakeHandler{failKind: domain.KindNotFound}
	m, _ := findMethod("GetModelCount")
	_, err := m(h, context.Background(), func(v any) error { return nil }, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected a grpc status error, got %v", err)
	}
	if st.Code().String() != "NotFound" {
		t.Fatalf("expected NotFound, got %v", st.Code())
	}
}

func TestAllInboundOperationsAreRegistered(t *testing.T) {
	want := []string{
		"LaunchBuiltinModel", "LaunchRank0Model", "CancelLaunchModel", "TerminateModel",
		"WaitForLoad", "GetModel", "DescribeModel", "ListModels", "GetModelCount",
		"RegisterModel", "UnregisterModel", "ListModelRegistrations", "GetModelRegistration",
		"QueryEnginesByModelName", "ListCachedModels", "ListDeletableModels", "ConfirmAndRemoveModel",
		"GetWorkersInfo", "GetModelStatus", "UpdateModelStatus", "GetModelLaunchStatus",
		"StartTransferForVLLM", "TriggerExit",
	}
	for _, name := range want {
		if _, ok := findMethod(name); !ok {
			t.Errorf("missing inbound operation %q in ServiceDesc", name)
		}
	}
}
