package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// KV is one ordered header/parameter pair. Order matters for the Internal
// RPC envelope (spec requires params preserved in call order), so these
// are carried as a slice, never a map.
type KV struct {
	Key   string
	Value []byte
}

// Request is the Internal RPC ExecuteFunction request envelope. Method,
// PathParams and QueryParams carry the gateway's inbound HTTP metadata
// through to the owning node so the function sees the same request
// shape regardless of whether it runs locally or remotely.
type Request struct {
	StackID     [32]byte
	Function    string
	Revision    uint64
	RequestID   string
	Method      string
	PathParams  []KV
	QueryParams []KV
	Headers     []KV
	Body        []byte
}

// Response is the Internal RPC ExecuteFunction response envelope.
type Response struct {
	OK        bool
	ErrorKind uint32
	ErrorMsg  string
	Headers   []KV
	Body      []byte
}

const (
	fieldReqStackID   protowire.Number = 1
	fieldReqFunction  protowire.Number = 2
	fieldReqRevision  protowire.Number = 3
	fieldReqRequestID protowire.Number = 4
	fieldReqHeader    protowire.Number = 5
	fieldReqBody      protowire.Number = 6
	fieldReqMethod    protowire.Number = 7
	fieldReqPathParam protowire.Number = 8
	fieldReqQueryParam protowire.Number = 9

	fieldRespOK        protowire.Number = 1
	fieldRespErrKind   protowire.Number = 2
	fieldRespErrMsg    protowire.Number = 3
	fieldRespHeader    protowire.Number = 4
	fieldRespBody      protowire.Number = 5

	fieldKVKey   protowire.Number = 1
	fieldKVValue protowire.Number = 2
)

func appendKV(b []byte, num protowire.Number, kv KV) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldKVKey, protowire.BytesType)
	inner = protowire.AppendString(inner, kv.Key)
	inner = protowire.AppendTag(inner, fieldKVValue, protowire.BytesType)
	inner = protowire.AppendBytes(inner, kv.Value)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

func consumeKV(data []byte) (KV, error) {
	var kv KV
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return kv, fmt.Errorf("wire: invalid kv tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKVKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return kv, fmt.Errorf("wire: invalid kv key: %w", protowire.ParseError(m))
			}
			kv.Key = v
			b = b[m:]
		case num == fieldKVValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return kv, fmt.Errorf("wire: invalid kv value: %w", protowire.ParseError(m))
			}
			kv.Value = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return kv, fmt.Errorf("wire: invalid kv field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return kv, nil
}

// Marshal implements the narrow contract pkg/rpc's grpc codec requires.
func (r *Request) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldReqStackID, protowire.BytesType)
	b = protowire.AppendBytes(b, r.StackID[:])
	b = protowire.AppendTag(b, fieldReqFunction, protowire.BytesType)
	b = protowire.AppendString(b, r.Function)
	b = protowire.AppendTag(b, fieldReqRevision, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Revision)
	b = protowire.AppendTag(b, fieldReqRequestID, protowire.BytesType)
	b = protowire.AppendString(b, r.RequestID)
	if r.Method != "" {
		b = protowire.AppendTag(b, fieldReqMethod, protowire.BytesType)
		b = protowire.AppendString(b, r.Method)
	}
	for _, p := range r.PathParams {
		b = appendKV(b, fieldReqPathParam, p)
	}
	for _, q := range r.QueryParams {
		b = appendKV(b, fieldReqQueryParam, q)
	}
	for _, h := range r.Headers {
		b = appendKV(b, fieldReqHeader, h)
	}
	b = protowire.AppendTag(b, fieldReqBody, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Body)
	return b, nil
}

func (r *Request) Unmarshal(data []byte) error {
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: invalid request tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldReqStackID && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid stack id: %w", protowire.ParseError(m))
			}
			if len(v) != len(r.StackID) {
				return fmt.Errorf("wire: stack id must be %d bytes, got %d", len(r.StackID), len(v))
			}
			copy(r.StackID[:], v)
			b = b[m:]
		case num == fieldReqFunction && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid function: %w", protowire.ParseError(m))
			}
			r.Function = v
			b = b[m:]
		case num == fieldReqRevision && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid revision: %w", protowire.ParseError(m))
			}
			r.Revision = v
			b = b[m:]
		case num == fieldReqRequestID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid request id: %w", protowire.ParseError(m))
			}
			r.RequestID = v
			b = b[m:]
		case num == fieldReqHeader && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid header: %w", protowire.ParseError(m))
			}
			kv, err := consumeKV(v)
			if err != nil {
				return err
			}
			r.Headers = append(r.Headers, kv)
			b = b[m:]
		case num == fieldReqMethod && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid method: %w", protowire.ParseError(m))
			}
			r.Method = v
			b = b[m:]
		case num == fieldReqPathParam && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid path param: %w", protowire.ParseError(m))
			}
			kv, err := consumeKV(v)
			if err != nil {
				return err
			}
			r.PathParams = append(r.PathParams, kv)
			b = b[m:]
		case num == fieldReqQueryParam && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid query param: %w", protowire.ParseError(m))
			}
			kv, err := consumeKV(v)
			if err != nil {
				return err
			}
			r.QueryParams = append(r.QueryParams, kv)
			b = b[m:]
		case num == fieldReqBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid body: %w", protowire.ParseError(m))
			}
			r.Body = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("wire: invalid request field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

func (r *Response) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldRespOK, protowire.VarintType)
	if r.OK {
		b = protowire.AppendVarint(b, 1)
	} else {
		b = protowire.AppendVarint(b, 0)
	}
	b = protowire.AppendTag(b, fieldRespErrKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ErrorKind))
	if r.ErrorMsg != "" {
		b = protowire.AppendTag(b, fieldRespErrMsg, protowire.BytesType)
		b = protowire.AppendString(b, r.ErrorMsg)
	}
	for _, h := range r.Headers {
		b = appendKV(b, fieldRespHeader, h)
	}
	b = protowire.AppendTag(b, fieldRespBody, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Body)
	return b, nil
}

func (r *Response) Unmarshal(data []byte) error {
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: invalid response tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldRespOK && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid ok flag: %w", protowire.ParseError(m))
			}
			r.OK = v != 0
			b = b[m:]
		case num == fieldRespErrKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid error kind: %w", protowire.ParseError(m))
			}
			r.ErrorKind = uint32(v)
			b = b[m:]
		case num == fieldRespErrMsg && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid error message: %w", protowire.ParseError(m))
			}
			r.ErrorMsg = v
			b = b[m:]
		case num == fieldRespHeader && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid header: %w", protowire.ParseError(m))
			}
			kv, err := consumeKV(v)
			if err != nil {
				return err
			}
			r.Headers = append(r.Headers, kv)
			b = b[m:]
		case num == fieldRespBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: invalid body: %w", protowire.ParseError(m))
			}
			r.Body = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("wire: invalid response field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
