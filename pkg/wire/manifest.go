package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mu-protocol/executor/pkg/types"
)

// Field numbers for the StackSpec manifest wire format.
const (
	fieldSpecSchemaVersion protowire.Number = 1
	fieldSpecFunctions     protowire.Number = 2
	fieldSpecTables        protowire.Number = 3
	fieldSpecBuckets       protowire.Number = 4

	fieldFnName       protowire.Number = 1
	fieldFnRuntimeTag protowire.Number = 2
	fieldFnBinary     protowire.Number = 3
	fieldFnBinaryHash protowire.Number = 4
	fieldFnMemLimit   protowire.Number = 5
	fieldFnEnvVar     protowire.Number = 6
	fieldFnGateway    protowire.Number = 7

	fieldEnvKey   protowire.Number = 1
	fieldEnvValue protowire.Number = 2

	fieldRouteHost     protowire.Number = 1
	fieldRoutePrefix   protowire.Number = 2
	fieldRoutePathType protowire.Number = 3
	fieldRouteMethod   protowire.Number = 4
	fieldRouteFunction protowire.Number = 5

	fieldServiceName   protowire.Number = 1
	fieldServiceDelete protowire.Number = 2
)

// MarshalStackSpec encodes a StackSpec to its tagged, length-prefixed
// binary wire form.
func MarshalStackSpec(s *types.StackSpec) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSpecSchemaVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.SchemaVersion))
	for _, fn := range s.Functions {
		b = protowire.AppendTag(b, fieldSpecFunctions, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalFunctionSpec(&fn))
	}
	for _, t := range s.Tables {
		b = protowire.AppendTag(b, fieldSpecTables, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalServiceRef(t.Name, t.Delete))
	}
	for _, bk := range s.Buckets {
		b = protowire.AppendTag(b, fieldSpecBuckets, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalServiceRef(bk.Name, bk.Delete))
	}
	for _, u := range s.Unknown {
		b = append(b, u.Raw...)
	}
	return b
}

// marshalServiceRef encodes the common {name, delete} shape shared by
// KVTableSpec and StorageBucketSpec.
func marshalServiceRef(name string, del bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldServiceName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	if del {
		b = protowire.AppendTag(b, fieldServiceDelete, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func unmarshalServiceRef(data []byte) (name string, del bool, err error) {
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", false, fmt.Errorf("wire: invalid service ref tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldServiceName && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return "", false, fmt.Errorf("wire: invalid service name: %w", protowire.ParseError(m))
			}
			name = v
			b = b[m:]
		case num == fieldServiceDelete && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return "", false, fmt.Errorf("wire: invalid service delete flag: %w", protowire.ParseError(m))
			}
			del = v != 0
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", false, fmt.Errorf("wire: invalid service ref field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return name, del, nil
}

func marshalFunctionSpec(fn *types.FunctionSpec) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldFnName, protowire.BytesType)
	b = protowire.AppendString(b, fn.Name)
	b = protowire.AppendTag(b, fieldFnRuntimeTag, protowire.BytesType)
	b = protowire.AppendString(b, fn.RuntimeTag)
	if len(fn.Binary) > 0 {
		b = protowire.AppendTag(b, fieldFnBinary, protowire.BytesType)
		b = protowire.AppendBytes(b, fn.Binary)
	}
	b = protowire.AppendTag(b, fieldFnBinaryHash, protowire.BytesType)
	b = protowire.AppendBytes(b, fn.BinaryHash[:])
	b = protowire.AppendTag(b, fieldFnMemLimit, protowire.VarintType)
	b = protowire.AppendVarint(b, fn.MemoryLimitBytes)
	for _, k := range sortedKeys(fn.EnvVars) {
		var kv []byte
		kv = protowire.AppendTag(kv, fieldEnvKey, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, fieldEnvValue, protowire.BytesType)
		kv = protowire.AppendString(kv, fn.EnvVars[k])
		b = protowire.AppendTag(b, fieldFnEnvVar, protowire.BytesType)
		b = protowire.AppendBytes(b, kv)
	}
	for _, r := range fn.Gateway {
		b = protowire.AppendTag(b, fieldFnGateway, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRoute(&r))
	}
	return b
}

func marshalRoute(r *types.GatewayRoute) []byte {
	var b []byte
	if r.Host != "" {
		b = protowire.AppendTag(b, fieldRouteHost, protowire.BytesType)
		b = protowire.AppendString(b, r.Host)
	}
	b = protowire.AppendTag(b, fieldRoutePrefix, protowire.BytesType)
	b = protowire.AppendString(b, r.PathPrefix)
	b = protowire.AppendTag(b, fieldRoutePathType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.PathType))
	if r.Method != "" {
		b = protowire.AppendTag(b, fieldRouteMethod, protowire.BytesType)
		b = protowire.AppendString(b, r.Method)
	}
	b = protowire.AppendTag(b, fieldRouteFunction, protowire.BytesType)
	b = protowire.AppendString(b, r.Function)
	return b
}

// UnmarshalStackSpec decodes a manifest produced by MarshalStackSpec (or
// by a newer schema version carrying extra top-level tags, which are
// preserved in StackSpec.Unknown).
func UnmarshalStackSpec(data []byte) (*types.StackSpec, error) {
	s := &types.StackSpec{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: invalid manifest tag: %w", protowire.ParseError(n))
		}
		tagStart := len(data) - len(b)
		b = b[n:]
		switch {
		case num == fieldSpecSchemaVersion && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid schema_version: %w", protowire.ParseError(m))
			}
			s.SchemaVersion = uint32(v)
			b = b[m:]
		case num == fieldSpecFunctions && typ == protowire.BytesType:
			fnBytes, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid function entry: %w", protowire.ParseError(m))
			}
			fn, err := unmarshalFunctionSpec(fnBytes)
			if err != nil {
				return nil, err
			}
			s.Functions = append(s.Functions, *fn)
			b = b[m:]
		case num == fieldSpecTables && typ == protowire.BytesType:
			tb, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid table entry: %w", protowire.ParseError(m))
			}
			name, del, err := unmarshalServiceRef(tb)
			if err != nil {
				return nil, err
			}
			s.Tables = append(s.Tables, types.KVTableSpec{Name: name, Delete: del})
			b = b[m:]
		case num == fieldSpecBuckets && typ == protowire.BytesType:
			bb, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid bucket entry: %w", protowire.ParseError(m))
			}
			name, del, err := unmarshalServiceRef(bb)
			if err != nil {
				return nil, err
			}
			s.Buckets = append(s.Buckets, types.StorageBucketSpec{Name: name, Delete: del})
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid unknown field: %w", protowire.ParseError(m))
			}
			fieldEnd := len(data) - len(b) + m
			s.Unknown = append(s.Unknown, types.UnknownField{Raw: append([]byte(nil), data[tagStart:fieldEnd]...)})
			b = b[m:]
		}
	}
	return s, nil
}

func unmarshalFunctionSpec(data []byte) (*types.FunctionSpec, error) {
	fn := &types.FunctionSpec{EnvVars: map[string]string{}}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: invalid function tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldFnName && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid function name: %w", protowire.ParseError(m))
			}
			fn.Name = v
			b = b[m:]
		case num == fieldFnRuntimeTag && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid runtime tag: %w", protowire.ParseError(m))
			}
			fn.RuntimeTag = v
			b = b[m:]
		case num == fieldFnBinary && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid binary: %w", protowire.ParseError(m))
			}
			fn.Binary = append([]byte(nil), v...)
			b = b[m:]
		case num == fieldFnBinaryHash && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid binary hash: %w", protowire.ParseError(m))
			}
			if len(v) != len(fn.BinaryHash) {
				return nil, fmt.Errorf("wire: binary hash must be %d bytes, got %d", len(fn.BinaryHash), len(v))
			}
			copy(fn.BinaryHash[:], v)
			b = b[m:]
		case num == fieldFnMemLimit && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid memory limit: %w", protowire.ParseError(m))
			}
			fn.MemoryLimitBytes = v
			b = b[m:]
		case num == fieldFnEnvVar && typ == protowire.BytesType:
			kv, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid env entry: %w", protowire.ParseError(m))
			}
			k, v, err := unmarshalEnvVar(kv)
			if err != nil {
				return nil, err
			}
			fn.EnvVars[k] = v
			b = b[m:]
		case num == fieldFnGateway && typ == protowire.BytesType:
			rb, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid gateway route: %w", protowire.ParseError(m))
			}
			route, err := unmarshalRoute(rb)
			if err != nil {
				return nil, err
			}
			fn.Gateway = append(fn.Gateway, *route)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid function field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return fn, nil
}

func unmarshalEnvVar(data []byte) (key, value string, err error) {
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("wire: invalid env tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldEnvKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return "", "", fmt.Errorf("wire: invalid env key: %w", protowire.ParseError(m))
			}
			key = v
			b = b[m:]
		case num == fieldEnvValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return "", "", fmt.Errorf("wire: invalid env value: %w", protowire.ParseError(m))
			}
			value = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", "", fmt.Errorf("wire: invalid env field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return key, value, nil
}

func unmarshalRoute(data []byte) (*types.GatewayRoute, error) {
	r := &types.GatewayRoute{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: invalid route tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldRouteHost && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid route host: %w", protowire.ParseError(m))
			}
			r.Host = v
			b = b[m:]
		case num == fieldRoutePrefix && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid route prefix: %w", protowire.ParseError(m))
			}
			r.PathPrefix = v
			b = b[m:]
		case num == fieldRoutePathType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid route path type: %w", protowire.ParseError(m))
			}
			r.PathType = types.PathType(v)
			b = b[m:]
		case num == fieldRouteMethod && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid route method: %w", protowire.ParseError(m))
			}
			r.Method = v
			b = b[m:]
		case num == fieldRouteFunction && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid route function: %w", protowire.ParseError(m))
			}
			r.Function = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("wire: invalid route field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return r, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
