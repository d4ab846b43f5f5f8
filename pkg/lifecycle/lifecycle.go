// Package lifecycle owns the decision of which stacks this node must
// have deployed right now, and drives each one through Fetching,
// Deploying, Running, Updating, Suspended, and Deleting. Desired state
// arrives as chain-ordered StackEvents through HandleStackEvent; on a
// ticker it reads a membership snapshot (ownership) and each owned
// stack's escrow status from the chain, and reconciles them against the
// locally-deployed set, the same shape as a desired-vs-actual scheduler loop, specialized to
// single-owner-per-stack instead of replica-count placement.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mu-protocol/executor/pkg/assigner"
	"github.com/mu-protocol/executor/pkg/chainmon"
	"github.com/mu-protocol/executor/pkg/kv"
	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/metrics"
	"github.com/mu-protocol/executor/pkg/types"
)

const (
	storeKeyPrefix     = "stacks/"
	tombstoneKeyPrefix = "tombstones/"
	serviceKeyPrefix   = "services/"
)

// MembershipView is the subset of membership.Table the manager needs.
// Narrowed to an interface so tests can supply a fixed snapshot instead
// of running a real gossip table.
type MembershipView interface {
	Snapshot() []types.NodeInfo
	Self() types.NodeInfo
	SetDeployedStacks(ids []types.StackId)
}

// Deployer is the runtime's capability to bring a stack's functions up
// or down on this node. pkg/runtime implements this against wasmer;
// tests supply a fake.
type Deployer interface {
	Deploy(ctx context.Context, stack types.Stack) error
	Teardown(ctx context.Context, stackID types.StackId) error
}

// ChainSource is the narrow pull-based chain capability the manager
// needs beyond the event callbacks it's fed through HandleStackEvent
// and HandleMinEscrow.
type ChainSource interface {
	EscrowStatus(ctx context.Context, stackID types.StackId) (types.EscrowAccount, error)
}

var _ ChainSource = (*chainmon.Monitor)(nil)

// Config tunes reconciliation and retry timing.
type Config struct {
	ReconcileInterval  time.Duration
	FetchRetryMax      time.Duration // cap on Transient Deploy retry backoff, default 5m
	SupportedRuntimes  []string
	MinSchemaVersion   uint32
	MaxSchemaVersion   uint32
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.FetchRetryMax == 0 {
		c.FetchRetryMax = 5 * time.Minute
	}
	if len(c.SupportedRuntimes) == 0 {
		c.SupportedRuntimes = []string{"wasi-1.0"}
	}
	if c.MaxSchemaVersion == 0 {
		c.MaxSchemaVersion = 1
	}
	return c
}

type desiredStack struct {
	revision uint64
	spec     *types.StackSpec
	deleted  bool
}

type taskKind int

const (
	taskDeploy taskKind = iota
	taskTeardown
)

type teardownReason int

const (
	reasonDeleted teardownReason = iota
	reasonNotOwner
	reasonEscrowExhausted
)

type task struct {
	kind     taskKind
	revision uint64
	spec     *types.StackSpec
	reason   teardownReason
}

// Manager reconciles chain-declared desired stacks, membership-derived
// ownership, and escrow status into a locally-deployed set, dispatching
// one serialized worker per stack so unrelated stacks deploy
// concurrently but a single stack's deploy/update/teardown sequence
// never races itself.
type Manager struct {
	membership MembershipView
	chain      ChainSource
	deployer   Deployer
	store      kv.Store
	cfg        Config
	logger     zerolog.Logger

	mu         sync.Mutex
	desired    map[types.StackId]*desiredStack
	stacks     map[types.StackId]*types.Stack
	escrow     map[types.StackId]types.EscrowAccount
	minBal     map[string]uint64
	// tombstoned tracks every StackId that has ever been deleted, and
	// outlives the stack's entry in stacks: a tombstoned StackId is
	// never redeployed, even if a stale Created/Updated event for it
	// arrives after the Deleted event already removed its stack state.
	tombstoned map[types.StackId]bool

	workers map[types.StackId]chan task
	wg      sync.WaitGroup

	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a Manager. Call Start to begin reconciling.
func New(membership MembershipView, chain ChainSource, deployer Deployer, store kv.Store, cfg Config) *Manager {
	return &Manager{
		membership: membership,
		chain:      chain,
		deployer:   deployer,
		store:      store,
		cfg:        cfg.withDefaults(),
		logger:     log.WithComponent("lifecycle"),
		desired:    make(map[types.StackId]*desiredStack),
		stacks:     make(map[types.StackId]*types.Stack),
		escrow:     make(map[types.StackId]types.EscrowAccount),
		minBal:     make(map[string]uint64),
		tombstoned: make(map[types.StackId]bool),
		workers:    make(map[types.StackId]chan task),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// HandleStackEvent folds one chain-ordered StackEvent into desired
// state. Registered as the chain monitor's OnStackEvent callback.
func (m *Manager) HandleStackEvent(ev chainmon.StackEvent) {
	m.mu.Lock()
	if m.tombstoned[ev.StackId] && ev.Kind != chainmon.StackEventDeleted {
		m.mu.Unlock()
		m.logger.Warn().Str("stack_id", ev.StackId.String()).Msg("ignoring event for tombstoned stack, it will never be redeployed")
		return
	}
	switch ev.Kind {
	case chainmon.StackEventDeleted:
		m.desired[ev.StackId] = &desiredStack{revision: ev.Revision, deleted: true}
		m.tombstoned[ev.StackId] = true
	default:
		m.desired[ev.StackId] = &desiredStack{revision: ev.Revision, spec: ev.Spec}
	}
	m.mu.Unlock()

	if ev.Kind == chainmon.StackEventDeleted {
		m.persistTombstone(ev.StackId)
	}
}

// HandleMinEscrow records a region's minimum escrow threshold, used
// only for status visibility: the authoritative exhaustion check is
// the per-stack EscrowAccount fetched from ChainSource.
func (m *Manager) HandleMinEscrow(ev chainmon.MinEscrowEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minBal[ev.Region] = ev.MinBalance
}

// Start runs the reconciliation loop until ctx is canceled or Stop is
// called.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.loadPersisted(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("failed to load persisted stack state, starting cold")
	}

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	defer close(m.stopped)

	for {
		select {
		case <-ctx.Done():
			m.drainWorkers()
			return nil
		case <-m.stopCh:
			m.drainWorkers()
			return nil
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// Stop ends the reconciliation loop and waits for in-flight per-stack
// tasks to finish.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.stopped
}

// loadPersisted restores each stack's last-known phase from the store
// so a restarted node reports accurate status before its first
// reconciliation cycle runs. Reconciliation itself still decides
// whether each stack should be (re)deployed or torn down; this only
// seeds Snapshot().
func (m *Manager) loadPersisted(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	pairs, err := m.store.Scan(ctx, []byte(storeKeyPrefix))
	if err != nil {
		return err
	}
	tombstones, err := m.store.Scan(ctx, []byte(tombstoneKeyPrefix))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pairs {
		stack, err := decodeStack(p.Value)
		if err != nil {
			m.logger.Warn().Str("key", string(p.Key)).Err(err).Msg("dropping malformed persisted stack state")
			continue
		}
		s := stack
		m.stacks[s.ID] = &s
	}
	for _, p := range tombstones {
		id, err := types.ParseStackId(string(p.Key)[len(tombstoneKeyPrefix):])
		if err != nil {
			m.logger.Warn().Str("key", string(p.Key)).Err(err).Msg("dropping malformed persisted tombstone")
			continue
		}
		m.tombstoned[id] = true
	}
	return nil
}

func (m *Manager) drainWorkers() {
	m.mu.Lock()
	for _, ch := range m.workers {
		close(ch)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// DesiredSpecs returns every non-deleted stack this node currently
// knows about from the chain event stream, regardless of whether this
// node owns it. A node's chain client observes every StackEvent within
// its region, so this is the same view every other node in the region
// has — which is what lets the gateway build a cluster-wide routing
// table without a separate subscription protocol.
func (m *Manager) DesiredSpecs() []types.Stack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Stack, 0, len(m.desired))
	for id, d := range m.desired {
		if d.deleted || d.spec == nil {
			continue
		}
		out = append(out, types.Stack{ID: id, Revision: d.revision, Spec: d.spec})
	}
	return out
}

// Snapshot returns every locally-tracked stack's current state.
func (m *Manager) Snapshot() []types.Stack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Stack, 0, len(m.stacks))
	for _, s := range m.stacks {
		out = append(out, *s)
	}
	return out
}

func (m *Manager) reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	snapshot := m.membership.Snapshot()
	self := m.membership.Self().ID

	m.mu.Lock()
	ids := make([]types.StackId, 0, len(m.desired))
	for id := range m.desired {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var deployedNow []types.StackId
	phaseCounts := map[types.StackPhase]int{}

	for _, id := range ids {
		m.mu.Lock()
		d := m.desired[id]
		m.mu.Unlock()
		if d == nil {
			continue
		}

		if d.deleted {
			if m.isTracked(id) {
				m.enqueue(id, task{kind: taskTeardown, reason: reasonDeleted})
			}
			continue
		}

		owner, ok := assigner.Owner(snapshot, id)
		if !ok || owner != self {
			if m.isTracked(id) {
				m.enqueue(id, task{kind: taskTeardown, reason: reasonNotOwner})
			}
			continue
		}

		acct, err := m.chain.EscrowStatus(ctx, id)
		if err != nil {
			m.logger.Warn().Str("stack_id", id.String()).Err(err).Msg("escrow status unavailable this cycle, using last known")
			m.mu.Lock()
			acct = m.escrow[id]
			m.mu.Unlock()
		} else {
			m.mu.Lock()
			m.escrow[id] = acct
			m.mu.Unlock()
		}

		if acct.Exhausted() {
			if phase := m.trackedPhase(id); phase == types.PhaseRunning || phase == types.PhaseUpdating {
				m.enqueue(id, task{kind: taskTeardown, reason: reasonEscrowExhausted})
			}
			continue
		}

		deployedNow = append(deployedNow, id)
		if m.needsDeploy(id, d.revision) {
			m.enqueue(id, task{kind: taskDeploy, revision: d.revision, spec: d.spec})
		}
	}

	m.membership.SetDeployedStacks(deployedNow)

	m.mu.Lock()
	for _, s := range m.stacks {
		phaseCounts[s.Phase]++
	}
	m.mu.Unlock()
	for phase, count := range phaseCounts {
		metrics.StacksTotal.WithLabelValues(phase.String()).Set(float64(count))
	}
	metrics.StacksOwnedTotal.Set(float64(len(deployedNow)))
}

func (m *Manager) isTracked(id types.StackId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[id]
	return ok && s.Phase != types.PhaseGone
}

func (m *Manager) trackedPhase(id types.StackId) types.StackPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stacks[id]; ok {
		return s.Phase
	}
	return types.PhaseUnknown
}

func (m *Manager) needsDeploy(id types.StackId, revision uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[id]
	if !ok {
		return true
	}
	switch s.Phase {
	case types.PhaseRunning, types.PhaseUpdating:
		return s.Revision != revision
	case types.PhaseSuspended:
		return true // escrow topped back up; redeploy at current revision
	case types.PhaseFailed:
		return s.Revision != revision // only retry a *new* revision automatically
	default:
		return true
	}
}

// enqueue hands a task to the stack's dedicated worker, starting one if
// this is the first task ever seen for this StackId.
func (m *Manager) enqueue(id types.StackId, t task) {
	m.mu.Lock()
	ch, ok := m.workers[id]
	if !ok {
		ch = make(chan task, 8)
		m.workers[id] = ch
		m.wg.Add(1)
		go m.runWorker(id, ch)
	}
	m.mu.Unlock()

	select {
	case ch <- t:
	default:
		m.logger.Warn().Str("stack_id", id.String()).Msg("stack task queue full, dropping duplicate reconcile signal")
	}
}

func (m *Manager) runWorker(id types.StackId, ch chan task) {
	defer m.wg.Done()
	for t := range ch {
		ctx := context.Background()
		switch t.kind {
		case taskDeploy:
			m.runDeploy(ctx, id, t)
		case taskTeardown:
			m.runTeardown(ctx, id, t)
		}
	}
}

func (m *Manager) runDeploy(ctx context.Context, id types.StackId, t task) {
	logger := m.logger.With().Str("stack_id", id.String()).Uint64("revision", t.revision).Logger()

	if t.spec == nil {
		m.setPhase(id, t.revision, types.PhaseFetching, "")
		logger.Info().Msg("stack assigned, awaiting manifest")
		return
	}

	if err := validateSpec(t.spec, m.cfg); err != nil {
		m.setPhase(id, t.revision, types.PhaseFailed, err.Error())
		metrics.LifecycleFailuresTotal.WithLabelValues("invalid_spec").Inc()
		logger.Error().Err(err).Msg("stack manifest rejected, will not retry this revision")
		return
	}

	phase := types.PhaseDeploying
	if m.trackedPhase(id) == types.PhaseRunning {
		phase = types.PhaseUpdating
	}
	m.setPhase(id, t.revision, phase, "")

	deployErr := m.retryDeploy(ctx, id, types.Stack{ID: id, Revision: t.revision, Spec: t.spec})
	if deployErr != nil {
		m.setPhase(id, t.revision, types.PhaseFailed, deployErr.Error())
		metrics.LifecycleFailuresTotal.WithLabelValues("deploy_error").Inc()
		logger.Error().Err(deployErr).Msg("deploy abandoned")
		return
	}

	if err := m.ensureServices(ctx, id, t.spec); err != nil {
		m.setPhase(id, t.revision, types.PhaseFailed, err.Error())
		metrics.LifecycleFailuresTotal.WithLabelValues("service_error").Inc()
		logger.Error().Err(err).Msg("deploy abandoned: could not ensure kv tables / storage buckets")
		return
	}

	m.setPhase(id, t.revision, types.PhaseRunning, "")
	metrics.LifecycleTransitionsTotal.WithLabelValues("running").Inc()
	logger.Info().Msg("stack running")
}

// retryDeploy retries a Deploy call classified types.Transient with
// exponential backoff capped at cfg.FetchRetryMax; a Fatal or
// unclassified error returns immediately.
func (m *Manager) retryDeploy(ctx context.Context, id types.StackId, stack types.Stack) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = m.cfg.FetchRetryMax

	return backoff.Retry(func() error {
		err := m.deployer.Deploy(ctx, stack)
		if err == nil {
			return nil
		}
		var classified *types.Classified
		if asClassified(err, &classified) && classified.Outcome == types.OutcomeTransient {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func asClassified(err error, target **types.Classified) bool {
	for err != nil {
		if c, ok := err.(*types.Classified); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (m *Manager) runTeardown(ctx context.Context, id types.StackId, t task) {
	logger := m.logger.With().Str("stack_id", id.String()).Logger()

	if t.reason == reasonDeleted {
		m.setPhase(id, m.trackedRevision(id), types.PhaseDeleting, "")
	}

	if err := m.deployer.Teardown(ctx, id); err != nil {
		logger.Error().Err(err).Msg("teardown failed, will retry next reconciliation cycle")
		return
	}

	switch t.reason {
	case reasonEscrowExhausted:
		m.setPhase(id, m.trackedRevision(id), types.PhaseSuspended, "escrow exhausted")
		metrics.LifecycleTransitionsTotal.WithLabelValues("suspended").Inc()
		logger.Warn().Msg("stack suspended: escrow exhausted")
	default:
		m.mu.Lock()
		delete(m.stacks, id)
		m.mu.Unlock()
		m.deleteStoredStack(ctx, id)
		metrics.LifecycleTransitionsTotal.WithLabelValues("gone").Inc()
		logger.Info().Str("reason", teardownReasonLabel(t.reason)).Msg("stack removed locally")
	}
}

func teardownReasonLabel(r teardownReason) string {
	switch r {
	case reasonDeleted:
		return "deleted"
	case reasonNotOwner:
		return "not_owner"
	case reasonEscrowExhausted:
		return "escrow_exhausted"
	default:
		return "unknown"
	}
}

func (m *Manager) trackedRevision(id types.StackId) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stacks[id]; ok {
		return s.Revision
	}
	return 0
}

func (m *Manager) setPhase(id types.StackId, revision uint64, phase types.StackPhase, reason string) {
	m.mu.Lock()
	s, ok := m.stacks[id]
	if !ok {
		s = &types.Stack{ID: id}
		m.stacks[id] = s
	}
	s.Revision = revision
	s.Phase = phase
	s.FailReason = reason
	snapshot := *s
	m.mu.Unlock()

	m.persistStack(snapshot)
}

func (m *Manager) persistStack(s types.Stack) {
	if m.store == nil {
		return
	}
	data, err := encodeStack(s)
	if err != nil {
		m.logger.Warn().Str("stack_id", s.ID.String()).Err(err).Msg("failed to encode stack state for persistence")
		return
	}
	if err := m.store.Put(context.Background(), storeKey(s.ID), data); err != nil {
		m.logger.Warn().Str("stack_id", s.ID.String()).Err(err).Msg("failed to persist stack state")
	}
}

func (m *Manager) deleteStoredStack(ctx context.Context, id types.StackId) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, storeKey(id)); err != nil {
		m.logger.Warn().Str("stack_id", id.String()).Err(err).Msg("failed to delete persisted stack state")
	}
}

// ensureServices provisions (or removes) the KV tables and storage
// buckets a stack's manifest declares. Neither a KV-table service nor
// an object-storage service exists as its own deployable component in
// this tree, so this narrows to exactly what the shared kv.Store can
// express: an idempotent marker key per declared service, created on
// deploy and removed when the manifest marks it Delete. A real table/
// bucket backend would read these markers to know what it owns.
func (m *Manager) ensureServices(ctx context.Context, id types.StackId, spec *types.StackSpec) error {
	if m.store == nil {
		return nil
	}
	for _, t := range spec.Tables {
		if err := m.ensureServiceRef(ctx, id, "table", t.Name, t.Delete); err != nil {
			return err
		}
	}
	for _, b := range spec.Buckets {
		if err := m.ensureServiceRef(ctx, id, "bucket", b.Name, b.Delete); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensureServiceRef(ctx context.Context, id types.StackId, kind, name string, del bool) error {
	key := serviceKey(id, kind, name)
	if del {
		return m.store.Delete(ctx, key)
	}
	return m.store.Put(ctx, key, []byte{1})
}

func serviceKey(id types.StackId, kind, name string) []byte {
	return []byte(serviceKeyPrefix + id.String() + "/" + kind + "/" + name)
}

func storeKey(id types.StackId) []byte {
	return []byte(storeKeyPrefix + id.String())
}

func tombstoneKey(id types.StackId) []byte {
	return []byte(tombstoneKeyPrefix + id.String())
}

// persistTombstone writes a marker that outlives the stack's own
// stacks/ entry: runTeardown deletes storeKey(id) once a Deleted stack
// is torn down, but this key is never touched by that deletion, so it
// keeps blocking reactivation even after the stack-state row is gone.
func (m *Manager) persistTombstone(id types.StackId) {
	if m.store == nil {
		return
	}
	if err := m.store.Put(context.Background(), tombstoneKey(id), []byte{1}); err != nil {
		m.logger.Warn().Str("stack_id", id.String()).Err(err).Msg("failed to persist tombstone")
	}
}

func validateSpec(spec *types.StackSpec, cfg Config) error {
	if spec.SchemaVersion < cfg.MinSchemaVersion || spec.SchemaVersion > cfg.MaxSchemaVersion {
		return fmt.Errorf("unsupported manifest schema version %d", spec.SchemaVersion)
	}
	if len(spec.Functions) == 0 {
		return fmt.Errorf("manifest declares no functions")
	}
	for _, fn := range spec.Functions {
		if fn.Name == "" {
			return fmt.Errorf("function missing name")
		}
		if !runtimeSupported(fn.RuntimeTag, cfg.SupportedRuntimes) {
			return fmt.Errorf("function %q: unsupported runtime tag %q", fn.Name, fn.RuntimeTag)
		}
		if len(fn.Binary) == 0 {
			return fmt.Errorf("function %q: empty binary", fn.Name)
		}
	}
	return nil
}

func runtimeSupported(tag string, supported []string) bool {
	for _, s := range supported {
		if s == tag {
			return true
		}
	}
	return false
}
