// Package rpcenvelope converts Go request/response values to and from
// structpb.Struct, the wire type used for every inbound and outbound call
// in place of hand-maintained .proto-generated messages (spec §6's
// operations table and §4.I's Supervisor calls share one untyped
// envelope). A Struct is itself a real protobuf message, so it travels
// over a plain grpc.ClientConn/grpc.Server with no generated stubs.
package rpcenvelope

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Encode marshals v (typically a struct with json tags) into a
// structpb.Struct suitable for a unary gRPC call.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcenvelope: marshal request: %w", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("rpcenvelope: value %T does not encode as a JSON object", v)
	}

	s, err := structpb.NewStruct(asMap)
	if err != nil {
		return nil, fmt.Errorf("rpcenvelope: build struct: %w", err)
	}
	return s, nil
}

// Decode unmarshals a structpb.Struct into out, which must be a pointer.
func Decode(s *structpb.Struct, out any) error {
	if s == nil {
		return fmt.Errorf("rpcenvelope: nil struct")
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("rpcenvelope: marshal struct to json: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("rpcenvelope: decode into %T: %w", out, err)
	}
	return nil
}

// Empty returns a Struct with no fields, used for operations that take no
// arguments or return no payload (e.g. trigger_exit).
func Empty() *structpb.Struct {
	s, _ := structpb.NewStruct(map[string]any{})
	return s
}
