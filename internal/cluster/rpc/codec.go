// Package rpc carries the cluster's node-to-node gRPC surface: the unary
// node query service and the server-streaming frame relay. Messages are
// plain structs over a JSON codec registered with grpc; the wire contract
// is the JSON field names below.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName selects the JSON codec via grpc.CallContentSubtype.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }
