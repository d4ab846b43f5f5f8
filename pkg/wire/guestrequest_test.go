package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mu-protocol/executor/pkg/types"
)

// decodedGuestRequest is a test-only mirror of MarshalGuestRequest's
// output, decoded the same field-number-driven way consumeKV decodes
// an Internal RPC KV pair — there is no production Unmarshal for this
// format since only a wasm guest, not this process, ever reads it back.
type decodedGuestRequest struct {
	method      string
	pathParams  []types.KV
	queryParams []types.KV
	headers     []types.KV
	body        []byte
}

func decodeGuestRequest(t *testing.T, data []byte) decodedGuestRequest {
	t.Helper()
	var out decodedGuestRequest
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		switch {
		case num == fieldGuestMethod && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			require.GreaterOrEqual(t, m, 0)
			out.method = v
			b = b[m:]
		case num == fieldGuestPathParam && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			require.GreaterOrEqual(t, m, 0)
			kv, err := consumeKV(v)
			require.NoError(t, err)
			out.pathParams = append(out.pathParams, types.KV{Key: kv.Key, Value: string(kv.Value)})
			b = b[m:]
		case num == fieldGuestQueryParam && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			require.GreaterOrEqual(t, m, 0)
			kv, err := consumeKV(v)
			require.NoError(t, err)
			out.queryParams = append(out.queryParams, types.KV{Key: kv.Key, Value: string(kv.Value)})
			b = b[m:]
		case num == fieldGuestHeader && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			require.GreaterOrEqual(t, m, 0)
			kv, err := consumeKV(v)
			require.NoError(t, err)
			out.headers = append(out.headers, types.KV{Key: kv.Key, Value: string(kv.Value)})
			b = b[m:]
		case num == fieldGuestBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			require.GreaterOrEqual(t, m, 0)
			out.body = append([]byte(nil), v...)
			b = b[m:]
		default:
			t.Fatalf("unexpected guest request field %d", num)
		}
	}
	return out
}

func TestMarshalGuestRequestRoundTrips(t *testing.T) {
	req := types.FunctionRequest{
		Method:      "POST",
		PathParams:  []types.KV{{Key: "path", Value: "widgets/42"}},
		QueryParams: []types.KV{{Key: "verbose", Value: "true"}},
		Headers:     []types.KV{{Key: "X-Request-Id", Value: "abc-123"}},
		Body:        []byte(`{"widget":"gizmo"}`),
	}

	decoded := decodeGuestRequest(t, MarshalGuestRequest(req))

	assert.Equal(t, req.Method, decoded.method)
	assert.Equal(t, req.PathParams, decoded.pathParams)
	assert.Equal(t, req.QueryParams, decoded.queryParams)
	assert.Equal(t, req.Headers, decoded.headers)
	assert.Equal(t, req.Body, decoded.body)
}

func TestMarshalGuestRequestOmitsEmptyMethod(t *testing.T) {
	decoded := decodeGuestRequest(t, MarshalGuestRequest(types.FunctionRequest{Body: []byte("x")}))
	assert.Empty(t, decoded.method)
	assert.Empty(t, decoded.pathParams)
	assert.Equal(t, []byte("x"), decoded.body)
}
