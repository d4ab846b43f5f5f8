// Package security provides a node's cryptographic identity and its
// supporting trust operations: an ed25519 identity keypair whose public
// key doubles as the node's NodeId, self-signed TLS certificates used
// for Internal RPC (verified against the public key published in the
// caller's membership row rather than a shared CA), a separate usage
// report signing key, and an AES-256-GCM encrypt/decrypt helper for
// secret values.
package security
