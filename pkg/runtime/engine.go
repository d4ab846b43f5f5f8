package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/metrics"
	"github.com/mu-protocol/executor/pkg/types"
	"github.com/mu-protocol/executor/pkg/wire"
)

// compiledModule is one cache entry: the compiled wasmer.Module plus
// the byte size charged against the cache's budget (the module's
// source size, a reasonable proxy for its compiled footprint without
// reaching into wasmer internals for the real number).
type compiledModule struct {
	module *wasmer.Module
	bytes  int
}

// deployedFunction is one function this node currently has deployed,
// indexed by stack and name.
type deployedFunction struct {
	spec types.FunctionSpec
	hash [32]byte
}

// Config tunes the Engine's compiled-module cache and per-call limits.
type Config struct {
	// CacheCapacityBytes bounds the cache by total compiled-source size,
	// not entry count: a handful of large modules and a thousand tiny
	// ones both fit the same budget.
	CacheCapacityBytes int64
	// CacheEntryBackstop caps the number of distinct modules tracked
	// regardless of size, purely so the underlying LRU never grows
	// unbounded on a flood of 1-byte "modules" in a test.
	CacheEntryBackstop int
}

func (c Config) withDefaults() Config {
	if c.CacheCapacityBytes == 0 {
		c.CacheCapacityBytes = 256 * 1024 * 1024
	}
	if c.CacheEntryBackstop == 0 {
		c.CacheEntryBackstop = 4096
	}
	return c
}

// Engine is the node's WASI 1.0 function runtime: it compiles and
// caches FunctionSpec binaries and executes them against a
// request/response calling convention, isolating each call's linear
// memory in its own wasmer.Store.
//
// Calling convention: a deployed function exports "memory", an
// allocator "mu_alloc(size i32) -> (ptr i32)", and a handler
// "mu_handle(reqPtr i32, reqLen i32) -> (respPtr i32, respLen i32)".
// The engine allocates guest memory for the request via mu_alloc,
// copies the request bytes in, calls mu_handle, and copies the
// response bytes back out of the pointer/length pair it returns.
type Engine struct {
	wasmEngine *wasmer.Engine

	mu         sync.Mutex
	cache      *lru.Cache[[32]byte, *compiledModule]
	cacheBytes int64
	cacheCap   int64

	deployed map[types.StackId]map[string]*deployedFunction

	usage  UsageRecorder
	logger zerolog.Logger
}

// UsageRecorder receives a metered cost for one local function
// execution. pkg/aggregator implements this; Engine works without one
// set, it simply records nothing.
type UsageRecorder interface {
	RecordFunctionUsage(stackID types.StackId, mbInstructions uint64)
}

// SetUsageRecorder wires r to receive a metered MB-instruction cost
// after every successful Execute. Call before Execute is reachable by
// any caller; not safe to change concurrently with running calls.
func (e *Engine) SetUsageRecorder(r UsageRecorder) {
	e.usage = r
}

// New creates an Engine with an empty module cache.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		wasmEngine: wasmer.NewEngine(),
		cacheCap:   cfg.CacheCapacityBytes,
		deployed:   make(map[types.StackId]map[string]*deployedFunction),
		logger:     log.WithComponent("runtime"),
	}
	cache, err := lru.NewWithEvict[[32]byte, *compiledModule](cfg.CacheEntryBackstop, e.onEvict)
	if err != nil {
		return nil, fmt.Errorf("runtime: create module cache: %w", err)
	}
	e.cache = cache
	return e, nil
}

func (e *Engine) onEvict(_ [32]byte, cm *compiledModule) {
	e.cacheBytes -= int64(cm.bytes)
}

// Deploy compiles every function in stack.Spec and registers them as
// locally callable. Deploy is called with the module already validated
// (non-empty, known runtime tag) by the lifecycle manager; a compile
// failure here means the binary itself is malformed WASM, which is
// fatal for this revision exactly like a manifest validation error.
func (e *Engine) Deploy(ctx context.Context, stack types.Stack) error {
	if stack.Spec == nil {
		return fmt.Errorf("runtime: deploy %s: nil spec", stack.ID)
	}

	fns := make(map[string]*deployedFunction, len(stack.Spec.Functions))
	for _, fn := range stack.Spec.Functions {
		if _, err := e.ensureCompiled(fn); err != nil {
			return fmt.Errorf("runtime: compile function %q: %w", fn.Name, err)
		}
		fns[fn.Name] = &deployedFunction{spec: fn, hash: fn.BinaryHash}
	}

	e.mu.Lock()
	e.deployed[stack.ID] = fns
	e.mu.Unlock()
	return nil
}

// Teardown removes a stack's functions from the locally-callable set.
// Compiled modules stay in cache (keyed by binary hash, not stack) in
// case another stack shares the same function binary or this stack
// comes back from Suspended.
func (e *Engine) Teardown(_ context.Context, stackID types.StackId) error {
	e.mu.Lock()
	delete(e.deployed, stackID)
	e.mu.Unlock()
	return nil
}

func (e *Engine) ensureCompiled(fn types.FunctionSpec) (*wasmer.Module, error) {
	e.mu.Lock()
	if cm, ok := e.cache.Get(fn.BinaryHash); ok {
		e.mu.Unlock()
		metrics.RuntimeModuleCacheHits.Inc()
		return cm.module, nil
	}
	e.mu.Unlock()

	metrics.RuntimeModuleCacheMisses.Inc()
	store := wasmer.NewStore(e.wasmEngine)
	mod, err := wasmer.NewModule(store, fn.Binary)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache.Add(fn.BinaryHash, &compiledModule{module: mod, bytes: len(fn.Binary)})
	e.cacheBytes += int64(len(fn.Binary))
	for e.cacheBytes > e.cacheCap {
		// RemoveOldest fires onEvict, which subtracts the entry's bytes.
		if _, _, ok := e.cache.RemoveOldest(); !ok {
			break
		}
	}
	e.mu.Unlock()

	return mod, nil
}

// Execute runs one invocation of a deployed function against input,
// isolated in a fresh store and instance. MemoryLimitBytes is enforced
// as a hard trap: a call whose linear memory has grown past the limit
// by the time mu_handle returns fails outright rather than being
// throttled or truncated.
func (e *Engine) Execute(ctx context.Context, fnID types.FunctionId, req types.FunctionRequest) ([]byte, error) {
	e.mu.Lock()
	stackFns, ok := e.deployed[fnID.StackId]
	e.mu.Unlock()
	if !ok {
		return nil, &types.RPCError{Kind: types.ErrUnknownStack, Message: fmt.Sprintf("stack %s not deployed here", fnID.StackId)}
	}
	df, ok := stackFns[fnID.Name]
	if !ok {
		return nil, &types.RPCError{Kind: types.ErrUnknownFunction, Message: fmt.Sprintf("function %q not found in stack %s", fnID.Name, fnID.StackId)}
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FunctionExecuteDuration, fnID.StackId.String())

	mod, err := e.ensureCompiled(df.spec)
	if err != nil {
		metrics.FunctionExecutionsTotal.WithLabelValues("runtime_fault").Inc()
		return nil, &types.RPCError{Kind: types.ErrRuntimeFault, Message: err.Error()}
	}

	input := wire.MarshalGuestRequest(req)
	out, err := e.invoke(mod, df.spec, input)
	if err != nil {
		metrics.FunctionExecutionsTotal.WithLabelValues("runtime_fault").Inc()
		return nil, &types.RPCError{Kind: types.ErrRuntimeFault, Message: err.Error()}
	}

	metrics.FunctionExecutionsTotal.WithLabelValues("ok").Inc()
	if e.usage != nil {
		e.usage.RecordFunctionUsage(fnID.StackId, meteredMBInstructions(timer.Duration(), df.spec.MemoryLimitBytes))
	}
	return out, nil
}

// meteredMBInstructions proxies a genuine instruction count with
// execution wall-clock time times the function's memory limit in
// megabytes, the MB-seconds shape cloud FaaS billing commonly uses,
// since wasmer-go exposes no fuel/instruction metering API.
func meteredMBInstructions(d time.Duration, memoryLimitBytes uint64) uint64 {
	mb := float64(memoryLimitBytes) / (1024 * 1024)
	return uint64(d.Seconds() * mb)
}

func (e *Engine) invoke(mod *wasmer.Module, spec types.FunctionSpec, input []byte) ([]byte, error) {
	store := wasmer.NewStore(e.wasmEngine)

	logger := e.logger.With().Str("function", spec.Name).Logger()
	imports := registerHostImports(store, &logger)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}

	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("module exports no memory: %w", err)
	}

	alloc, err := instance.Exports.GetFunction("mu_alloc")
	if err != nil {
		return nil, fmt.Errorf("module exports no mu_alloc: %w", err)
	}
	handle, err := instance.Exports.GetFunction("mu_handle")
	if err != nil {
		return nil, fmt.Errorf("module exports no mu_handle: %w", err)
	}

	reqPtr, err := alloc(int32(len(input)))
	if err != nil {
		return nil, fmt.Errorf("mu_alloc: %w", err)
	}
	ptr, ok := reqPtr.(int32)
	if !ok {
		return nil, fmt.Errorf("mu_alloc: unexpected return type")
	}
	copy(memory.Data()[ptr:], input)

	result, err := handle(ptr, int32(len(input)))
	if err != nil {
		return nil, fmt.Errorf("mu_handle: %w", err)
	}
	respPtr, respLen, err := unpackHandleResult(result)
	if err != nil {
		return nil, err
	}

	if spec.MemoryLimitBytes > 0 && uint64(len(memory.Data())) > spec.MemoryLimitBytes {
		return nil, fmt.Errorf("function exceeded memory_limit_bytes of %d", spec.MemoryLimitBytes)
	}

	out := make([]byte, respLen)
	copy(out, memory.Data()[respPtr:respPtr+respLen])
	return out, nil
}

// unpackHandleResult reads mu_handle's two declared i32 results
// (respPtr, respLen) from whatever shape the wasmer binding returns a
// multi-value call in.
func unpackHandleResult(result interface{}) (int32, int32, error) {
	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("mu_handle: expected 2 results, got %T", result)
	}
	ptr, ok1 := vals[0].(int32)
	length, ok2 := vals[1].(int32)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("mu_handle: non-i32 result values")
	}
	return ptr, length, nil
}
