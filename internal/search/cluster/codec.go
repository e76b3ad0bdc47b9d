package cluster

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered as a gRPC content-subtype so leaf RPCs can travel
// over a real grpc.Server/grpc.ClientConn without a protoc-generated
// message type: no .proto/generated stub exists anywhere in the pack for
// this domain, so plain Go structs are marshaled with encoding/json
// instead of protobuf wire format. grpc still length-prefixes and frames
// every message over HTTP/2, satisfying spec.md §6's "length-prefixed...
// messages" regardless of what codec fills the frame.
const CodecName = "strata-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
