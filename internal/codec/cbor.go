// Package codec is the node's CBOR configuration, shared by the gRPC
// transport and the reference authority.
package codec

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// Name is the gRPC content-subtype the codec registers under. Clients
// select it with grpc.CallContentSubtype(Name).
const Name = "cbor"

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// message always produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so either side can add fields first.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Bounds for messages from an untrusted peer.
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	encoding.RegisterCodec(grpcCodec{})
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// grpcCodec lets gRPC carry plain Go structs instead of generated
// protobuf messages.
type grpcCodec struct{}

func (grpcCodec) Marshal(v any) ([]byte, error)      { return Marshal(v) }
func (grpcCodec) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }
func (grpcCodec) Name() string                       { return Name }
