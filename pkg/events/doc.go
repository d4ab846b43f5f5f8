// Package events implements a small in-memory, fire-and-forget pub/sub
// broker: a single buffered input channel fanned out to per-subscriber
// buffered channels, full buffers dropped rather than blocking the
// publisher. No other package in this module imports it.
package events
