package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
)

var attrGRPCMethod = attribute.Key("rpc.method")

// UnaryServerInterceptor traces every inbound wire-service call: one server
// span per call, parented off the caller's trace context when the caller
// propagated one, named after the operation, marked errored on a non-nil
// handler error.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !Enabled() {
			return handler(ctx, req)
		}

		ctx = ExtractIncoming(ctx)
		ctx, span := StartServerSpan(ctx, info.FullMethod, attrGRPCMethod.String(info.FullMethod))
		defer span.End()

		resp, err := handler(ctx, req)
		if err != nil {
			SetSpanError(span, err)
			return resp, err
		}
		SetSpanOK(span)
		return resp, nil
	}
}
