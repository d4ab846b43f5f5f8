package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Membership metrics
	MembershipNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mu_membership_nodes_total",
			Help: "Total number of nodes known to the membership table, by status",
		},
		[]string{"status"},
	)

	MembershipGossipDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mu_membership_gossip_duration_seconds",
			Help:    "Time taken for one publish/snapshot round against the shared store",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Assigner metrics
	AssignerLookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mu_assigner_lookup_duration_seconds",
			Help:    "Time taken to compute a stack's owner",
			Buckets: prometheus.DefBuckets,
		},
	)

	StacksOwnedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mu_assigner_stacks_owned_total",
			Help: "Number of stacks this node currently owns",
		},
	)

	// Lifecycle metrics
	StacksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mu_lifecycle_stacks_total",
			Help: "Total number of locally-tracked stacks by phase",
		},
		[]string{"phase"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mu_lifecycle_reconciliation_duration_seconds",
			Help:    "Time taken for a lifecycle reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mu_lifecycle_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	LifecycleTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mu_lifecycle_transitions_total",
			Help: "Total number of stack lifecycle transitions by target phase",
		},
		[]string{"phase"},
	)

	LifecycleFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mu_lifecycle_failures_total",
			Help: "Total number of lifecycle task failures by reason",
		},
		[]string{"reason"},
	)

	// Runtime metrics
	FunctionExecuteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mu_runtime_execute_duration_seconds",
			Help:    "Function execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stack_id"},
	)

	FunctionExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mu_runtime_executions_total",
			Help: "Total function executions by outcome",
		},
		[]string{"outcome"},
	)

	RuntimeModuleCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mu_runtime_module_cache_hits_total",
			Help: "Total compiled-module cache hits",
		},
	)

	RuntimeModuleCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mu_runtime_module_cache_misses_total",
			Help: "Total compiled-module cache misses requiring a fresh compile",
		},
	)

	// Gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mu_gateway_requests_total",
			Help: "Total external gateway requests by status",
		},
		[]string{"status"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mu_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Internal RPC metrics
	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mu_rpc_request_duration_seconds",
			Help:    "Internal RPC request duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mu_rpc_requests_total",
			Help: "Total internal RPC requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// Usage aggregator metrics
	UsageSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mu_usage_submissions_total",
			Help: "Total usage submission attempts by outcome",
		},
		[]string{"outcome"},
	)

	UsagePendingVectorsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mu_usage_pending_shards_total",
			Help: "Number of per-stack usage shards awaiting submission",
		},
	)

	// Blockchain monitor metrics
	ChainEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mu_chain_events_total",
			Help: "Total chain events observed by kind",
		},
		[]string{"kind"},
	)

	ChainReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mu_chain_reconnects_total",
			Help: "Total blockchain monitor reconnect attempts",
		},
	)

	ChainLastProcessedSlot = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mu_chain_last_processed_slot",
			Help: "Last chain slot/block processed by the monitor",
		},
	)

	ChainPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mu_chain_poll_duration_seconds",
			Help:    "Time taken for one poll cycle against the chain client",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		MembershipNodesTotal,
		MembershipGossipDuration,
		AssignerLookupDuration,
		StacksOwnedTotal,
		StacksTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		LifecycleTransitionsTotal,
		LifecycleFailuresTotal,
		FunctionExecuteDuration,
		FunctionExecutionsTotal,
		RuntimeModuleCacheHits,
		RuntimeModuleCacheMisses,
		GatewayRequestsTotal,
		GatewayRequestDuration,
		RPCRequestDuration,
		RPCRequestsTotal,
		UsageSubmissionsTotal,
		UsagePendingVectorsTotal,
		ChainEventsTotal,
		ChainReconnectsTotal,
		ChainLastProcessedSlot,
		ChainPollDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
