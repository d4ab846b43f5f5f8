package rpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// wireMessage is the narrow contract pkg/wire's Request/Response types
// satisfy. Registering a codec keyed on this interface instead of
// proto.Message lets ExecuteFunction travel over a standard grpc.Server
// without any protoc-generated marshaling code.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// binaryCodec overrides grpc's default "proto" codec name so the
// standard unary call path (which always asks the registry for
// "proto") marshals through pkg/wire instead of looking for a
// proto.Message. It never sees a real proto.Message in this module, so
// this is safe process-wide.
type binaryCodec struct{}

func (binaryCodec) Name() string { return "proto" }

func (binaryCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("rpc: codec: %T does not implement wireMessage", v)
	}
	return m.Marshal()
}

func (binaryCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("rpc: codec: %T does not implement wireMessage", v)
	}
	return m.Unmarshal(data)
}

func init() {
	encoding.RegisterCodec(binaryCodec{})
}
