// Package rpc implements the Internal RPC transport: a single
// ExecuteFunction call carried over gRPC with a hand-rolled wire codec
// (pkg/wire's Request/Response) instead of protoc-generated stubs, and
// mutual TLS where each peer's identity is its NodeId — the raw
// ed25519 public key it already publishes in the membership table.
package rpc
