// Package runtime is the node's WASI 1.0 function execution engine,
// built on wasmerio/wasmer-go: it compiles a stack's function binaries
// once, caches the compiled modules across calls bounded by total
// compiled size rather than entry count, and runs each invocation in
// its own isolated store and linear memory.
package runtime
