package rpc

import (
	"github.com/mu-protocol/executor/pkg/types"
	"github.com/mu-protocol/executor/pkg/wire"
)

// toWireKVs converts the domain KV slice (string values) carried on
// types.FunctionRequest into the wire.KV slice (byte values) the
// Internal RPC envelope marshals.
func toWireKVs(kvs []types.KV) []wire.KV {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]wire.KV, len(kvs))
	for i, kv := range kvs {
		out[i] = wire.KV{Key: kv.Key, Value: []byte(kv.Value)}
	}
	return out
}

// fromWireKVs is the inverse of toWireKVs, used when decoding an
// inbound *wire.Request back into a types.FunctionRequest.
func fromWireKVs(kvs []wire.KV) []types.KV {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]types.KV, len(kvs))
	for i, kv := range kvs {
		out[i] = types.KV{Key: kv.Key, Value: string(kv.Value)}
	}
	return out
}
