// Package membership maintains the node's view of the cluster's
// membership table: its own row is republished on a heartbeat interval,
// peers' rows are merged from the shared KV store, and a liveness sweep
// promotes a quiet peer through Suspect into Dead. Every consumer that
// needs "who is alive right now" (the assigner, the gateway's routing
// table, the lifecycle manager deciding whether to take over an
// orphaned stack) reads Snapshot(), never the store directly.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mu-protocol/executor/pkg/kv"
	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/metrics"
	"github.com/mu-protocol/executor/pkg/types"
)

const keyPrefix = "members/"

func key(id types.NodeId) []byte {
	return []byte(keyPrefix + id.String())
}

// Table tracks membership state for the local node and its peers.
type Table struct {
	store kv.Store
	self  types.NodeId

	updateInterval  time.Duration
	suspectTimeout  time.Duration
	assumeDeadAfter time.Duration

	mu      sync.RWMutex
	rows    map[types.NodeId]types.NodeInfo
	logger  zerolog.Logger
	stopCh  chan struct{}
	stopped chan struct{}
}

// Config configures a Table's timing.
type Config struct {
	UpdateInterval  time.Duration
	SuspectTimeout  time.Duration
	AssumeDeadAfter time.Duration
}

// New creates a Table for the local node identified by self. Call
// Start to begin publishing heartbeats and sweeping for dead peers.
func New(store kv.Store, self types.NodeInfo, cfg Config) *Table {
	t := &Table{
		store:           store,
		self:            self.ID,
		updateInterval:  cfg.UpdateInterval,
		suspectTimeout:  cfg.SuspectTimeout,
		assumeDeadAfter: cfg.AssumeDeadAfter,
		rows:            map[types.NodeId]types.NodeInfo{self.ID: self},
		logger:          log.WithComponent("membership"),
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	return t
}

// Start launches the heartbeat-publish loop, the peer-merge watch, and
// the liveness sweep. It blocks until ctx is canceled or Stop is called.
func (t *Table) Start(ctx context.Context) error {
	if err := t.publishSelf(ctx); err != nil {
		return fmt.Errorf("membership: initial publish: %w", err)
	}

	watchCh, err := t.store.Watch(ctx, []byte(keyPrefix))
	if err != nil {
		return fmt.Errorf("membership: watch: %w", err)
	}
	if err := t.loadExisting(ctx); err != nil {
		return fmt.Errorf("membership: load existing: %w", err)
	}

	heartbeat := time.NewTicker(t.updateInterval)
	sweep := time.NewTicker(t.suspectTimeout)
	defer heartbeat.Stop()
	defer sweep.Stop()
	defer close(t.stopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stopCh:
			return nil
		case ev, ok := <-watchCh:
			if !ok {
				return nil
			}
			t.mergeEvent(ev)
		case <-heartbeat.C:
			if err := t.publishSelf(ctx); err != nil {
				t.logger.Warn().Err(err).Msg("heartbeat publish failed")
			}
		case <-sweep.C:
			t.sweepLiveness()
		}
	}
}

// Stop ends the Start loop and waits for it to return.
func (t *Table) Stop() {
	close(t.stopCh)
	<-t.stopped
}

// Snapshot returns the current membership table as a slice, safe to
// pass to assigner.Owner. A row whose LastSeen is older than
// assumeDeadAfter is reported as Dead here even if sweepLiveness hasn't
// run yet — callers resolving ownership can't wait out the sweep
// ticker's cadence for a peer that's already gone quiet.
func (t *Table) Snapshot() []types.NodeInfo {
	now := time.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.NodeInfo, 0, len(t.rows))
	for id, r := range t.rows {
		if id != t.self && r.Status != types.NodeDead && now.Sub(r.LastSeen) > t.assumeDeadAfter {
			r.Status = types.NodeDead
		}
		out = append(out, r)
	}
	return out
}

// Self returns the local node's current row.
func (t *Table) Self() types.NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[t.self]
}

// SetDeployedStacks updates the local node's advertised owned-stack set.
// It takes effect on the next heartbeat publish; callers don't need to
// force an immediate publish.
func (t *Table) SetDeployedStacks(ids []types.StackId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	self := t.rows[t.self]
	self.DeployedStacks = ids
	t.rows[t.self] = self
}

func (t *Table) publishSelf(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MembershipGossipDuration)

	t.mu.Lock()
	self := t.rows[t.self]
	self.Status = types.NodeAlive
	self.LastSeen = time.Now()
	t.rows[t.self] = self
	t.mu.Unlock()

	data, err := json.Marshal(self)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, key(self.ID), data)
}

func (t *Table) loadExisting(ctx context.Context) error {
	pairs, err := t.store.Scan(ctx, []byte(keyPrefix))
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range pairs {
		var info types.NodeInfo
		if err := json.Unmarshal(p.Value, &info); err != nil {
			t.logger.Warn().Str("key", string(p.Key)).Err(err).Msg("dropping malformed membership row")
			continue
		}
		t.mergeLocked(info)
	}
	t.recomputeGauges()
	return nil
}

func (t *Table) mergeEvent(ev kv.Event) {
	if ev.Value == nil {
		return
	}
	var info types.NodeInfo
	if err := json.Unmarshal(ev.Value, &info); err != nil {
		t.logger.Warn().Str("key", string(ev.Key)).Err(err).Msg("dropping malformed membership row")
		return
	}
	t.mu.Lock()
	t.mergeLocked(info)
	t.recomputeGauges()
	t.mu.Unlock()
}

// mergeLocked applies the standard gossip merge rule: a higher
// Generation always wins; within the same generation, Dead beats
// Suspect beats Alive (status can only move forward, never be
// resurrected by a stale duplicate of an older message), and a later
// LastSeen wins ties.
func (t *Table) mergeLocked(incoming types.NodeInfo) {
	current, ok := t.rows[incoming.ID]
	if !ok {
		t.rows[incoming.ID] = incoming
		return
	}
	if incoming.Generation > current.Generation {
		t.rows[incoming.ID] = incoming
		return
	}
	if incoming.Generation < current.Generation {
		return
	}
	if rank(incoming.Status) > rank(current.Status) {
		t.rows[incoming.ID] = incoming
		return
	}
	if rank(incoming.Status) == rank(current.Status) && incoming.LastSeen.After(current.LastSeen) {
		t.rows[incoming.ID] = incoming
	}
}

func rank(s types.NodeStatus) int {
	switch s {
	case types.NodeJoining:
		return 0
	case types.NodeAlive:
		return 1
	case types.NodeSuspect:
		return 2
	case types.NodeDead:
		return 3
	default:
		return -1
	}
}

func (t *Table) sweepLiveness() {
	now := time.Now()
	t.mu.Lock()
	for id, r := range t.rows {
		if id == t.self || r.Status == types.NodeDead {
			continue
		}
		age := now.Sub(r.LastSeen)
		switch {
		case age > t.assumeDeadAfter && r.Status != types.NodeDead:
			r.Status = types.NodeDead
			t.rows[id] = r
			t.logger.Warn().Str("node_id", id.String()).Msg("peer assumed dead")
		case age > t.suspectTimeout && r.Status == types.NodeAlive:
			r.Status = types.NodeSuspect
			t.rows[id] = r
			t.logger.Info().Str("node_id", id.String()).Msg("peer marked suspect")
		}
	}
	t.recomputeGauges()
	t.mu.Unlock()
}

func (t *Table) recomputeGauges() {
	counts := map[types.NodeStatus]int{}
	for _, r := range t.rows {
		counts[r.Status]++
	}
	metrics.MembershipNodesTotal.WithLabelValues("joining").Set(float64(counts[types.NodeJoining]))
	metrics.MembershipNodesTotal.WithLabelValues("alive").Set(float64(counts[types.NodeAlive]))
	metrics.MembershipNodesTotal.WithLabelValues("suspect").Set(float64(counts[types.NodeSuspect]))
	metrics.MembershipNodesTotal.WithLabelValues("dead").Set(float64(counts[types.NodeDead]))
}
