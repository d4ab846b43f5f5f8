// Package membership publishes the local node's heartbeat to the shared
// KV store, merges peers' rows via a watch on the members/ prefix, and
// sweeps quiet peers from Alive through Suspect into Dead.
package membership
