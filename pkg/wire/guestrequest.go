package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mu-protocol/executor/pkg/types"
)

// Field numbers for the flat byte buffer handed to a wasm guest's
// mu_handle export. The guest ABI has no structured parameter passing
// (a single in/out byte buffer via mu_alloc/mu_handle), so this is the
// wire shape every guest binary must decode to see method, path and
// query parameters, and headers alongside the request body.
const (
	fieldGuestMethod     protowire.Number = 1
	fieldGuestPathParam  protowire.Number = 2
	fieldGuestQueryParam protowire.Number = 3
	fieldGuestHeader     protowire.Number = 4
	fieldGuestBody       protowire.Number = 5
)

// encodeKVPair produces the same {key, value} inner shape consumeKV
// expects, without the outer field tag appendKV adds — callers choose
// their own outer tag per guest field kind.
func encodeKVPair(key string, value string) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldKVKey, protowire.BytesType)
	inner = protowire.AppendString(inner, key)
	inner = protowire.AppendTag(inner, fieldKVValue, protowire.BytesType)
	inner = protowire.AppendBytes(inner, []byte(value))
	return inner
}

// MarshalGuestRequest encodes the full Internal RPC request envelope
// into the flat byte buffer format a wasm guest's mu_handle export
// expects.
func MarshalGuestRequest(req types.FunctionRequest) []byte {
	var b []byte
	if req.Method != "" {
		b = protowire.AppendTag(b, fieldGuestMethod, protowire.BytesType)
		b = protowire.AppendString(b, req.Method)
	}
	for _, p := range req.PathParams {
		b = protowire.AppendTag(b, fieldGuestPathParam, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeKVPair(p.Key, p.Value))
	}
	for _, q := range req.QueryParams {
		b = protowire.AppendTag(b, fieldGuestQueryParam, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeKVPair(q.Key, q.Value))
	}
	for _, h := range req.Headers {
		b = protowire.AppendTag(b, fieldGuestHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeKVPair(h.Key, h.Value))
	}
	b = protowire.AppendTag(b, fieldGuestBody, protowire.BytesType)
	b = protowire.AppendBytes(b, req.Body)
	return b
}
