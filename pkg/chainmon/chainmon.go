// Package chainmon is the executor's boundary with the on-chain
// marketplace program: it polls for stack lifecycle events and escrow
// balance changes within the node's region, and it signs and submits
// usage reports on the aggregator's behalf. The chain itself is an
// external collaborator (spec'd only by the narrow ChainClient
// interface this package depends on); the polling, reconnect, and
// event-dispatch shape is grounded in a production block/event listener
// rather than invented here.
package chainmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/metrics"
	"github.com/mu-protocol/executor/pkg/types"
)

// StackEventKind distinguishes the three chain-originated stack
// transitions the lifecycle manager reacts to.
type StackEventKind int

const (
	StackEventCreated StackEventKind = iota
	StackEventUpdated
	StackEventDeleted
)

// StackEvent is one chain-order delta for a single StackId. Ordering
// within a StackId is guaranteed; ordering across distinct StackIds is
// not.
type StackEvent struct {
	Kind     StackEventKind
	StackId  types.StackId
	Revision uint64
	Spec     *types.StackSpec // nil for Deleted
	Slot     uint64
}

// MinEscrowEvent reports a region's minimum escrow balance changing.
type MinEscrowEvent struct {
	Region     string
	MinBalance uint64
	Slot       uint64
}

// UsageReport is the unsigned payload the aggregator hands to the
// monitor for signing and submission.
type UsageReport struct {
	Region     string
	StackId    types.StackId
	UpdateSeed uint64
	Vector     types.UsageVector
}

// ChainClient is the narrow RPC surface the monitor needs from the
// marketplace program. A concrete implementation talking to a real
// chain is outside this repo's scope per the external-collaborator
// boundary; tests and local development use an in-memory fake.
type ChainClient interface {
	// StackEventsSince returns every StackEvent for region committed
	// at or after fromSlot, in chain order, plus the highest slot
	// observed.
	StackEventsSince(ctx context.Context, region string, fromSlot uint64) ([]StackEvent, uint64, error)
	// EscrowStatus returns the current escrow account for stackID.
	EscrowStatus(ctx context.Context, stackID types.StackId) (types.EscrowAccount, error)
	// MinEscrowSince returns MinEscrow changes for region committed at
	// or after fromSlot.
	MinEscrowSince(ctx context.Context, region string, fromSlot uint64) ([]MinEscrowEvent, error)
	// SubmitUsage submits an already-signed usage report. Returns nil
	// on Ack, including when the chain treats a replayed update-seed
	// as a no-op.
	SubmitUsage(ctx context.Context, region string, stackID types.StackId, updateSeed uint64, vector types.UsageVector, signature []byte) error
}

// Signer signs a canonical usage submission payload.
type Signer func(payload []byte) []byte

// Monitor polls a ChainClient for a single region and dispatches
// StackEvents and MinEscrowEvents to registered handlers.
type Monitor struct {
	client ChainClient
	region string
	signer Signer

	pollInterval time.Duration

	mu           sync.RWMutex
	lastSlot     uint64
	stackHandler func(StackEvent)
	escrowHandler func(MinEscrowEvent)

	logger zerolog.Logger
	stopCh chan struct{}
}

// Config configures a Monitor.
type Config struct {
	Region       string
	StartSlot    uint64
	PollInterval time.Duration
}

// New creates a Monitor. Register handlers with OnStackEvent and
// OnMinEscrow before calling Run.
func New(client ChainClient, signer Signer, cfg Config) *Monitor {
	interval := cfg.PollInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		client:       client,
		region:       cfg.Region,
		signer:       signer,
		pollInterval: interval,
		lastSlot:     cfg.StartSlot,
		logger:       log.WithComponent("chainmon"),
		stopCh:       make(chan struct{}),
	}
}

// OnStackEvent registers the single handler invoked for every
// StackEvent. Replaces any previously registered handler.
func (m *Monitor) OnStackEvent(fn func(StackEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stackHandler = fn
}

// OnMinEscrow registers the single handler invoked for every
// MinEscrowEvent.
func (m *Monitor) OnMinEscrow(fn func(MinEscrowEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrowHandler = fn
}

// Run polls until ctx is canceled. A poll failure is retried with
// exponential backoff and jitter, forever, per the "reconnect forever"
// policy: the chain is assumed to eventually become reachable again,
// and StackEventsSince's fromSlot cursor replays anything missed.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// Stop ends Run.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) pollOnce(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ChainPollDuration)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // forever

	err := backoff.Retry(func() error {
		return m.fetchAndDispatch(ctx)
	}, backoff.WithContext(b, ctx))

	if err != nil && ctx.Err() != nil {
		m.logger.Error().Err(err).Msg("chain poll abandoned (context canceled mid-retry)")
	}
}

func (m *Monitor) fetchAndDispatch(ctx context.Context) error {
	m.mu.RLock()
	fromSlot := m.lastSlot
	stackHandler := m.stackHandler
	escrowHandler := m.escrowHandler
	m.mu.RUnlock()

	events, maxSlot, err := m.client.StackEventsSince(ctx, m.region, fromSlot)
	if err != nil {
		metrics.ChainReconnectsTotal.Inc()
		return fmt.Errorf("chainmon: fetch stack events: %w", err)
	}
	for _, ev := range events {
		metrics.ChainEventsTotal.WithLabelValues(stackEventKindLabel(ev.Kind)).Inc()
		if stackHandler != nil {
			stackHandler(ev)
		}
	}

	escrowEvents, err := m.client.MinEscrowSince(ctx, m.region, fromSlot)
	if err != nil {
		return fmt.Errorf("chainmon: fetch min-escrow events: %w", err)
	}
	for _, ev := range escrowEvents {
		if escrowHandler != nil {
			escrowHandler(ev)
		}
	}

	if maxSlot > fromSlot {
		m.mu.Lock()
		m.lastSlot = maxSlot
		m.mu.Unlock()
		metrics.ChainLastProcessedSlot.Set(float64(maxSlot))
	}
	return nil
}

func stackEventKindLabel(k StackEventKind) string {
	switch k {
	case StackEventCreated:
		return "created"
	case StackEventUpdated:
		return "updated"
	case StackEventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// EscrowStatus fetches a single stack's current escrow account directly,
// bypassing the poll cursor. The lifecycle manager calls this for every
// stack it owns on each reconciliation cycle.
func (m *Monitor) EscrowStatus(ctx context.Context, stackID types.StackId) (types.EscrowAccount, error) {
	acct, err := m.client.EscrowStatus(ctx, stackID)
	if err != nil {
		return types.EscrowAccount{}, types.Transient(fmt.Errorf("chainmon: escrow status: %w", err))
	}
	return acct, nil
}

// SubmitUsage signs report's canonical payload and submits it. A
// submission that the chain treats as a replay of an already-applied
// update-seed is not an error: idempotence at the chain level means the
// aggregator can safely retry on a transient RPC failure.
func (m *Monitor) SubmitUsage(ctx context.Context, report UsageReport) error {
	payload := canonicalUsagePayload(report)
	sig := m.signer(payload)
	if err := m.client.SubmitUsage(ctx, report.Region, report.StackId, report.UpdateSeed, report.Vector, sig); err != nil {
		return types.Transient(fmt.Errorf("chainmon: submit usage: %w", err))
	}
	return nil
}

// canonicalUsagePayload produces the deterministic byte representation
// signed for a usage submission.
func canonicalUsagePayload(r UsageReport) []byte {
	return []byte(fmt.Sprintf("region=%s;stack=%s;seed=%d;fmi=%d;gr=%d;gtb=%d;sbs=%d",
		r.Region, r.StackId, r.UpdateSeed,
		r.Vector.FunctionMBInstructions, r.Vector.GatewayRequests,
		r.Vector.GatewayTrafficBytes, r.Vector.StorageByteSeconds))
}
