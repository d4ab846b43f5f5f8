// Package aggregator accumulates per-stack resource usage between
// submission ticks and submits it to the chain through chainmon.Monitor.
// Its concurrency shape — a single internal loop draining a protected
// map, callers only ever adding to it — is the same shape as
// pkg/events.Broker's publish/broadcast split, specialized here to
// UsageVector.Add instead of fan-out delivery: many producers (the
// gateway, the runtime engine) feed one consumer (the submission
// ticker) instead of one producer feeding many consumers.
package aggregator

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mu-protocol/executor/pkg/chainmon"
	"github.com/mu-protocol/executor/pkg/kv"
	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/metrics"
	"github.com/mu-protocol/executor/pkg/types"
)

const seedKeyPrefix = "usage-seed/"

// ChainSubmitter is the subset of chainmon.Monitor the aggregator
// needs: a single signed-and-submit call per stack per tick.
// chainmon.Monitor satisfies this directly.
type ChainSubmitter interface {
	SubmitUsage(ctx context.Context, report chainmon.UsageReport) error
}

var _ ChainSubmitter = (*chainmon.Monitor)(nil)

// Config tunes submission cadence.
type Config struct {
	Region         string
	SubmitInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubmitInterval == 0 {
		c.SubmitInterval = 30 * time.Second
	}
	return c
}

// Aggregator accumulates UsageVector deltas per stack and periodically
// submits the accumulated total, advancing a per-stack monotonic
// update-seed the chain program uses to reject stale or replayed
// submissions.
type Aggregator struct {
	chain  ChainSubmitter
	store  kv.Store
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[types.StackId]types.UsageVector
	seeds   map[types.StackId]uint64

	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates an Aggregator. Call Start before relying on submissions;
// Add/Record* may be called before Start, their deltas simply queue.
func New(chain ChainSubmitter, store kv.Store, cfg Config) *Aggregator {
	return &Aggregator{
		chain:   chain,
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("aggregator"),
		pending: make(map[types.StackId]types.UsageVector),
		seeds:   make(map[types.StackId]uint64),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Add merges delta into stackID's running total. Safe for concurrent
// use by any number of callers.
func (a *Aggregator) Add(stackID types.StackId, delta types.UsageVector) {
	if delta.IsZero() {
		return
	}
	a.mu.Lock()
	a.pending[stackID] = a.pending[stackID].Add(delta)
	metrics.UsagePendingVectorsTotal.Set(float64(len(a.pending)))
	a.mu.Unlock()
}

// RecordGatewayUsage implements pkg/gateway.UsageRecorder. Only the two
// gateway-owned counters are recorded here — FunctionMBInstructions is
// billed once by whichever node actually ran the function, never by a
// gateway that merely forwarded the call.
func (a *Aggregator) RecordGatewayUsage(stackID types.StackId, requests, trafficBytes uint64) {
	a.Add(stackID, types.UsageVector{GatewayRequests: requests, GatewayTrafficBytes: trafficBytes})
}

// RecordFunctionUsage records one invocation's metered execution cost.
func (a *Aggregator) RecordFunctionUsage(stackID types.StackId, mbInstructions uint64) {
	a.Add(stackID, types.UsageVector{FunctionMBInstructions: mbInstructions})
}

// Start loads persisted update-seeds and submits accumulated usage on
// a ticker until ctx is canceled or Stop is called.
func (a *Aggregator) Start(ctx context.Context) error {
	if err := a.loadSeeds(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.SubmitInterval)
	defer ticker.Stop()
	defer close(a.stopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stopCh:
			return nil
		case <-ticker.C:
			a.submitAll(ctx)
		}
	}
}

// Stop ends the submission loop.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	<-a.stopped
}

// submitAll drains every stack with non-zero pending usage and submits
// it. A snapshot is taken and cleared before the network call so usage
// recorded while the submission is in flight isn't lost; on failure the
// snapshot is merged back into pending rather than discarded, so the
// next tick retries the full (possibly now larger) total.
func (a *Aggregator) submitAll(ctx context.Context) {
	a.mu.Lock()
	snapshot := make(map[types.StackId]types.UsageVector, len(a.pending))
	for id, v := range a.pending {
		if !v.IsZero() {
			snapshot[id] = v
			delete(a.pending, id)
		}
	}
	metrics.UsagePendingVectorsTotal.Set(float64(len(a.pending)))
	a.mu.Unlock()

	for stackID, vector := range snapshot {
		a.submitOne(ctx, stackID, vector)
	}
}

func (a *Aggregator) submitOne(ctx context.Context, stackID types.StackId, vector types.UsageVector) {
	a.mu.Lock()
	seed := a.seeds[stackID] + 1
	a.mu.Unlock()

	err := a.chain.SubmitUsage(ctx, chainmon.UsageReport{
		Region:     a.cfg.Region,
		StackId:    stackID,
		UpdateSeed: seed,
		Vector:     vector,
	})
	if err != nil {
		metrics.UsageSubmissionsTotal.WithLabelValues("error").Inc()
		a.logger.Warn().Str("stack_id", stackID.String()).Err(err).Msg("usage submission failed, merging back into pending")
		a.Add(stackID, vector)
		return
	}

	metrics.UsageSubmissionsTotal.WithLabelValues("ok").Inc()
	a.mu.Lock()
	a.seeds[stackID] = seed
	a.mu.Unlock()
	if err := a.persistSeed(ctx, stackID, seed); err != nil {
		a.logger.Warn().Str("stack_id", stackID.String()).Err(err).Msg("failed to persist usage update-seed")
	}
}

func (a *Aggregator) loadSeeds(ctx context.Context) error {
	pairs, err := a.store.Scan(ctx, []byte(seedKeyPrefix))
	if err != nil {
		return fmt.Errorf("aggregator: scan persisted seeds: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range pairs {
		id, err := types.ParseStackId(string(p.Key[len(seedKeyPrefix):]))
		if err != nil {
			continue
		}
		if len(p.Value) != 8 {
			continue
		}
		a.seeds[id] = binary.BigEndian.Uint64(p.Value)
	}
	return nil
}

func (a *Aggregator) persistSeed(ctx context.Context, stackID types.StackId, seed uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seed)
	return a.store.Put(ctx, seedKey(stackID), buf[:])
}

func seedKey(stackID types.StackId) []byte {
	return []byte(seedKeyPrefix + stackID.String())
}
