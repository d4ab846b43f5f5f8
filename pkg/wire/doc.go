// Package wire implements the binary codecs the executor needs but has
// no generated protobuf stubs for: the chain-supplied Stack manifest and
// the Internal RPC request/response envelope. Both are built directly on
// google.golang.org/protobuf/encoding/protowire's tag/varint/length-delimited
// primitives, the same wire grammar protoc-generated code would produce,
// without requiring a .proto file or a protoc invocation. Unrecognized
// top-level tags are preserved verbatim on decode and re-emitted
// unchanged, so a manifest minted by a newer schema version round-trips
// through an older build without losing fields.
package wire
