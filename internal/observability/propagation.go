package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc/metadata"
)

// metadataCarrier adapts grpc metadata.MD to otel's TextMapCarrier so trace
// context rides gRPC metadata the same way it rides HTTP headers.
type metadataCarrier metadata.MD

func (m metadataCarrier) Get(key string) string {
	vals := metadata.MD(m).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (m metadataCarrier) Set(key, value string) {
	metadata.MD(m).Set(key, value)
}

func (m metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// ExtractIncoming pulls W3C trace context out of inbound gRPC metadata, so a
// wire-service server span parents off the caller's span where one exists.
func ExtractIncoming(ctx context.Context) context.Context {
	if !Enabled() {
		return ctx
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		md = metadata.MD{}
	}
	return otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
}

// InjectOutgoing stamps the current span's trace context onto outbound gRPC
// metadata so the supervisor's own server span can parent off this call.
func InjectOutgoing(ctx context.Context) context.Context {
	if !Enabled() {
		return ctx
	}
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier(md))
	return metadata.NewOutgoingContext(ctx, md)
}
