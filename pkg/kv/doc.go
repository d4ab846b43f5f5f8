// Package kv implements the Shared KV Store boundary: Get/Put/Delete/CAS
// on single keys, prefix Scan, and prefix Watch, backed here by bbolt.
package kv
