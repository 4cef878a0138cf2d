// Package elasticpb is the client contract for the overflow scanner's
// synchronous call to a remote elastic-compute synthesis endpoint. It is
// hand-written rather than protoc-generated, in the same spirit as this
// codebase's other internal gRPC contracts: a plain Go interface plus a
// thin grpc.ClientConn wrapper, using a JSON wire codec instead of a .proto
// schema so the contract can evolve without a code-generation step.
package elasticpb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
