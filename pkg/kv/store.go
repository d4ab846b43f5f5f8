// Package kv defines the abstract Shared KV Store boundary every
// stateful component (membership, lifecycle, usage aggregator)
// goes through to reach cluster-durable state, and a bbolt-backed
// adapter standing in for a production linearizable store (etcd,
// Consul). Swapping the adapter never requires a caller change: every
// caller programs only against the Store interface.
package kv

import "context"

// Pair is a single key/value row returned from a Scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// Event is delivered to a Watch subscriber on every change to a key
// under the watched prefix, including the row's removal (Value == nil).
type Event struct {
	Key   []byte
	Value []byte
}

// Store is the abstract interface every component programs against.
// Get/Put/Delete/CAS operate on a single key; Scan lists every key
// under a prefix; Watch streams subsequent changes under a prefix.
// Implementations must make Get/Put/Delete/CAS linearizable with
// respect to each other for a single key; Scan may be eventually
// consistent with concurrent writes (a caller that needs a consistent
// cut takes its own snapshot semantics at a higher layer).
type Store interface {
	// Get returns the current value for key, or (nil, false, nil) if
	// the key does not exist.
	Get(ctx context.Context, key []byte) ([]byte, bool, error)

	// Put unconditionally sets key to value.
	Put(ctx context.Context, key, value []byte) error

	// Delete removes key. Deleting a key that does not exist is not an
	// error.
	Delete(ctx context.Context, key []byte) error

	// CAS sets key to newValue only if the key's current value equals
	// expected (nil expected means "key must not exist"). Returns
	// ok=false without error on a mismatch; the caller re-reads and
	// retries.
	CAS(ctx context.Context, key, expected, newValue []byte) (ok bool, err error)

	// Scan returns every key with the given prefix, in lexicographic
	// key order.
	Scan(ctx context.Context, prefix []byte) ([]Pair, error)

	// Watch streams Events for keys under prefix until ctx is
	// canceled. The returned channel is closed once ctx is canceled;
	// Close does not end open watches. Callers must drain it.
	Watch(ctx context.Context, prefix []byte) (<-chan Event, error)

	// Close releases the store's resources.
	Close() error
}
