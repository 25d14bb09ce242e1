package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec replaces grpc's default protobuf-wire codec with plain JSON
// marshaling of the admin API's hand-written message structs (spec
// SPEC_FULL.md's gRPC add-on): there is no descriptor-passing
// requirement here, so there is nothing for the protobuf wire format to
// buy beyond what the existing generated client/server scaffolding
// already gives us for free. Registering under the name "proto"
// overrides grpc-go's built-in codec, so the generated stubs in
// proto/gen/go/jobworker/v1 need no further changes.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
