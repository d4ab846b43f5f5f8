// Package metrics registers the executor's Prometheus collectors and
// exposes them over /metrics. Unlike a centralized collector pulling from
// one manager object, each component (membership, lifecycle, runtime,
// gateway, rpc, aggregator, chainmon) updates its own metrics
// inline as state changes, since there is no single coordinator to poll.
package metrics
