package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-protocol/executor/pkg/types"
)

// emptyModule is the minimal valid WASM binary: magic bytes plus
// version, no sections. It compiles but exports nothing, which is
// exactly what's needed to exercise Deploy/Teardown/cache bookkeeping
// without a real guest binary implementing the mu_alloc/mu_handle ABI.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func stackWithFunction(stackIDByte byte, fnName string, binary []byte) types.Stack {
	var id types.StackId
	id[0] = stackIDByte
	var hash [32]byte
	hash[0] = stackIDByte
	hash[1] = byte(len(fnName))
	return types.Stack{
		ID:       id,
		Revision: 1,
		Spec: &types.StackSpec{
			SchemaVersion: 1,
			Functions: []types.FunctionSpec{
				{Name: fnName, RuntimeTag: "wasi-1.0", Binary: binary, BinaryHash: hash},
			},
		},
	}
}

func TestDeployCompilesAndTracksFunctions(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	stack := stackWithFunction(1, "handler", emptyModule)
	require.NoError(t, e.Deploy(context.Background(), stack))

	e.mu.Lock()
	fns, ok := e.deployed[stack.ID]
	e.mu.Unlock()
	require.True(t, ok)
	assert.Contains(t, fns, "handler")
}

func TestTeardownRemovesStackButKeepsCacheEntry(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	stack := stackWithFunction(2, "handler", emptyModule)
	require.NoError(t, e.Deploy(context.Background(), stack))
	require.NoError(t, e.Teardown(context.Background(), stack.ID))

	e.mu.Lock()
	_, stillTracked := e.deployed[stack.ID]
	_, cached := e.cache.Get(stack.Spec.Functions[0].BinaryHash)
	e.mu.Unlock()

	assert.False(t, stillTracked)
	assert.True(t, cached)
}

func TestExecuteUnknownStackReturnsNotFound(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	var fnID types.FunctionId
	fnID.StackId[0] = 9
	fnID.Name = "nope"

	_, err = e.Execute(context.Background(), fnID, types.FunctionRequest{})
	require.Error(t, err)
	var rpcErr *types.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, types.ErrUnknownStack, rpcErr.Kind)
}

func TestExecuteUnknownFunctionReturnsNotFound(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	stack := stackWithFunction(3, "handler", emptyModule)
	require.NoError(t, e.Deploy(context.Background(), stack))

	fnID := types.FunctionId{StackId: stack.ID, Name: "missing"}
	_, err = e.Execute(context.Background(), fnID, types.FunctionRequest{})
	require.Error(t, err)
	var rpcErr *types.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, types.ErrUnknownFunction, rpcErr.Kind)
}

func TestCacheEvictsOldestWhenBudgetExceeded(t *testing.T) {
	e, err := New(Config{CacheCapacityBytes: int64(len(emptyModule))})
	require.NoError(t, err)

	first := stackWithFunction(4, "a", emptyModule)
	second := stackWithFunction(5, "b", emptyModule)
	// Distinct binary hashes so both occupy separate cache entries even
	// though the underlying bytes are identical.
	second.Spec.Functions[0].BinaryHash[2] = 1

	require.NoError(t, e.Deploy(context.Background(), first))
	require.NoError(t, e.Deploy(context.Background(), second))

	e.mu.Lock()
	defer e.mu.Unlock()
	_, firstCached := e.cache.Get(first.Spec.Functions[0].BinaryHash)
	_, secondCached := e.cache.Get(second.Spec.Functions[0].BinaryHash)
	assert.False(t, firstCached, "oldest entry should have been evicted once the byte budget was exceeded")
	assert.True(t, secondCached)
}

func TestMeteredMBInstructionsScalesWithTimeAndMemory(t *testing.T) {
	assert.EqualValues(t, 0, meteredMBInstructions(0, 128*1024*1024))
	assert.EqualValues(t, 2, meteredMBInstructions(2*time.Second, 1024*1024))
	assert.EqualValues(t, 256, meteredMBInstructions(time.Second, 256*1024*1024))
}

type recordingUsage struct {
	stackID types.StackId
	mb      uint64
	calls   int
}

func (r *recordingUsage) RecordFunctionUsage(stackID types.StackId, mbInstructions uint64) {
	r.stackID = stackID
	r.mb = mbInstructions
	r.calls++
}

func TestFailedExecuteRecordsNoUsage(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	rec := &recordingUsage{}
	e.SetUsageRecorder(rec)

	fnID := types.FunctionId{Name: "nope"}
	_, err = e.Execute(context.Background(), fnID, types.FunctionRequest{})
	require.Error(t, err, "Execute without the function deployed must still fail normally")
	assert.Zero(t, rec.calls, "a failed Execute must never record usage")
}
