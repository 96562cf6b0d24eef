package relay

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawCodecName is registered with grpc-go's encoding registry so Invoke can
// select it per-call via grpc.CallContentSubtype, letting this client speak
// the relay's wire format without protoc-generated message types.
const rawCodecName = "raw"

// rawBytes is a request or response body that is already serialized; the
// codec below passes it through untouched.
type rawBytes []byte

type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case *rawBytes:
		return []byte(*b), nil
	case rawBytes:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("relay: rawCodec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*rawBytes)
	if !ok {
		return fmt.Errorf("relay: rawCodec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string {
	return rawCodecName
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
