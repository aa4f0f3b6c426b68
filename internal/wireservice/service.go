// Package wireservice exposes the Worker's inbound operations (spec §6)
// as a gRPC service, hand-describing the grpc.ServiceDesc instead of
// depending on protoc-generated stubs: every method exchanges a
// structpb.Struct, built and read by internal/rpcenvelope.
package wireservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cortexnode/worker/internal/domain"
)

// ServiceName is the fully-qualified gRPC service name the Supervisor
// dials against.
const ServiceName = "cortexnode.worker.Worker"

// Handler is implemented by internal/worker.Worker: one method per
// inbound operation in spec §6's table, each taking and returning an
// envelope built with rpcenvelope.Encode/Decode.
type Handler interface {
	LaunchBuiltinModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	LaunchRank0Model(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelLaunchModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	TerminateModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WaitForLoad(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DescribeModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListModels(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetModelCount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RegisterModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UnregisterModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListModelRegistrations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetModelRegistration(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	QueryEnginesByModelName(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListCachedModels(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListDeletableModels(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ConfirmAndRemoveModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetWorkersInfo(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetModelStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateModelStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetModelLaunchStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StartTransferForVLLM(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	TriggerExit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type methodBinding struct {
	name string
	call func(h Handler, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var bindings = []methodBinding{
	{"LaunchBuiltinModel", Handler.LaunchBuiltinModel},
	{"LaunchRank0Model", Handler.LaunchRank0Model},
	{"CancelLaunchModel", Handler.CancelLaunchModel},
	{"TerminateModel", Handler.TerminateModel},
	{"WaitForLoad", Handler.WaitForLoad},
	{"GetModel", Handler.GetModel},
	{"DescribeModel", Handler.DescribeModel},
	{"ListModels", Handler.ListModels},
	{"GetModelCount", Handler.GetModelCount},
	{"RegisterModel", Handler.RegisterModel},
	{"UnregisterModel", Handler.UnregisterModel},
	{"ListModelRegistrations", Handler.ListModelRegistrations},
	{"GetModelRegistration", Handler.GetModelRegistration},
	{"QueryEnginesByModelName", Handler.QueryEnginesByModelName},
	{"ListCachedModels", Handler.ListCachedModels},
	{"ListDeletableModels", Handler.ListDeletableModels},
	{"ConfirmAndRemoveModel", Handler.ConfirmAndRemoveModel},
	{"GetWorkersInfo", Handler.GetWorkersInfo},
	{"GetModelStatus", Handler.GetModelStatus},
	{"UpdateModelStatus", Handler.UpdateModelStatus},
	{"GetModelLaunchStatus", Handler.GetModelLaunchStatus},
	{"StartTransferForVLLM", Handler.StartTransferForVLLM},
	{"TriggerExit", Handler.TriggerExit},
}

func methodDesc(b methodBinding) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: b.name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(structpb.Struct)
			if err := dec(req); err != nil {
				return nil, err
			}
			h := srv.(Handler)
			if interceptor == nil {
				return wrapStatus(b.call(h, ctx, req))
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + b.name}
			handler := func(ctx context.Context, req any) (any, error) {
				return wrapStatus(b.call(h, ctx, req.(*structpb.Struct)))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// Desc is the hand-described ServiceDesc registered against a
// *grpc.Server in cmd/worker's daemon wiring.
var Desc grpc.ServiceDesc

func init() {
	methods := make([]grpc.MethodDesc, 0, len(bindings))
	for _, b := range bindings {
		methods = append(methods, methodDesc(b))
	}
	Desc = grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*Handler)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "cortexnode/worker.proto",
	}
}

// wrapStatus translates the domain error taxonomy into gRPC status codes
// so that callers branching on status.Code see the same shape regardless
// of transport (spec §7's Kind list).
func wrapStatus(resp *structpb.Struct, err error) (any, error) {
	if err == nil {
		return resp, nil
	}
	return nil, status.Error(grpcCode(domain.KindOf(err)), err.Error())
}

func grpcCode(k domain.Kind) codes.Code {
	switch k {
	case domain.KindInvalidArg:
		return codes.InvalidArgument
	case domain.KindConflict:
		return codes.AlreadyExists
	case domain.KindNoSlot:
		return codes.ResourceExhausted
	case domain.KindUnsupported:
		return codes.Unimplemented
	case domain.KindBusy:
		return codes.FailedPrecondition
	case domain.KindNotFound:
		return codes.NotFound
	case domain.KindNotLaunching:
		return codes.FailedPrecondition
	case domain.KindCancelled:
		return codes.Cancelled
	case domain.KindTransient:
		return codes.Unavailable
	case domain.KindDownstream:
		return codes.Aborted
	default:
		return codes.Unknown
	}
}
