package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-protocol/executor/pkg/chainmon"
	"github.com/mu-protocol/executor/pkg/types"
)

type fakeMembership struct {
	mu       sync.Mutex
	snapshot []types.NodeInfo
	self     types.NodeInfo
	deployed []types.StackId
}

func (f *fakeMembership) Snapshot() []types.NodeInfo { return f.snapshot }
func (f *fakeMembership) Self() types.NodeInfo       { return f.self }
func (f *fakeMembership) SetDeployedStacks(ids []types.StackId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = ids
}
func (f *fakeMembership) deployedSnapshot() []types.StackId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deployed
}

type fakeChain struct {
	mu     sync.Mutex
	escrow map[types.StackId]types.EscrowAccount
}

func (f *fakeChain) EscrowStatus(_ context.Context, id types.StackId) (types.EscrowAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.escrow[id]; ok {
		return a, nil
	}
	return types.EscrowAccount{StackId: id, BalanceMicros: 1000, MinBalance: 1}, nil
}

type fakeDeployer struct {
	mu        sync.Mutex
	deployed  map[types.StackId]types.Stack
	tornDown  map[types.StackId]int
	deployErr error
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{deployed: map[types.StackId]types.Stack{}, tornDown: map[types.StackId]int{}}
}

func (f *fakeDeployer) Deploy(_ context.Context, stack types.Stack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployErr != nil {
		return f.deployErr
	}
	f.deployed[stack.ID] = stack
	return nil
}

func (f *fakeDeployer) Teardown(_ context.Context, id types.StackId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deployed, id)
	f.tornDown[id]++
	return nil
}

func (f *fakeDeployer) isDeployed(id types.StackId) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.deployed[id]
	return ok
}

func (f *fakeDeployer) tearDownCount(id types.StackId) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tornDown[id]
}

func selfOwningEverything() (*fakeMembership, types.NodeId) {
	var id types.NodeId
	id[0] = 0x42
	self := types.NodeInfo{ID: id, Generation: 1, Status: types.NodeAlive}
	return &fakeMembership{snapshot: []types.NodeInfo{self}, self: self}, id
}

func validSpec() *types.StackSpec {
	return &types.StackSpec{
		SchemaVersion: 1,
		Functions: []types.FunctionSpec{
			{Name: "handler", RuntimeTag: "wasi-1.0", Binary: []byte{0x00, 0x61, 0x73, 0x6d}},
		},
	}
}

func TestReconcileDeploysOwnedStackWithSufficientEscrow(t *testing.T) {
	members, _ := selfOwningEverything()
	chain := &fakeChain{escrow: map[types.StackId]types.EscrowAccount{}}
	deployer := newFakeDeployer()
	m := New(members, chain, deployer, nil, Config{})

	var stackID types.StackId
	stackID[0] = 1
	m.HandleStackEvent(chainmon.StackEvent{Kind: chainmon.StackEventCreated, StackId: stackID, Revision: 1, Spec: validSpec()})

	m.reconcile(context.Background())

	require.Eventually(t, func() bool { return deployer.isDeployed(stackID) }, time.Second, 5*time.Millisecond)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, types.PhaseRunning, snap[0].Phase)
	assert.Contains(t, members.deployedSnapshot(), stackID)
}

func TestReconcileRejectsInvalidManifestAsFailed(t *testing.T) {
	members, _ := selfOwningEverything()
	chain := &fakeChain{}
	deployer := newFakeDeployer()
	m := New(members, chain, deployer, nil, Config{})

	var stackID types.StackId
	stackID[0] = 2
	m.HandleStackEvent(chainmon.StackEvent{
		Kind: chainmon.StackEventCreated, StackId: stackID, Revision: 1,
		Spec: &types.StackSpec{SchemaVersion: 1}, // no functions
	})

	m.reconcile(context.Background())

	require.Eventually(t, func() bool {
		for _, s := range m.Snapshot() {
			if s.ID == stackID && s.Phase == types.PhaseFailed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.False(t, deployer.isDeployed(stackID))
}

func TestReconcileTearsDownWhenNoLongerOwner(t *testing.T) {
	members := &fakeMembership{snapshot: nil, self: types.NodeInfo{}} // no alive node anywhere: never owner
	chain := &fakeChain{}
	deployer := newFakeDeployer()
	m := New(members, chain, deployer, nil, Config{})

	var stackID types.StackId
	stackID[0] = 3
	m.stacks[stackID] = &types.Stack{ID: stackID, Phase: types.PhaseRunning, Revision: 1}
	deployer.deployed[stackID] = types.Stack{ID: stackID}
	m.desired[stackID] = &desiredStack{revision: 1, spec: validSpec()}

	m.reconcile(context.Background())

	require.Eventually(t, func() bool { return deployer.tearDownCount(stackID) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, s := range m.Snapshot() {
			if s.ID == stackID {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestReconcileSuspendsOnEscrowExhausted(t *testing.T) {
	members, _ := selfOwningEverything()
	var stackID types.StackId
	stackID[0] = 4
	chain := &fakeChain{escrow: map[types.StackId]types.EscrowAccount{
		stackID: {StackId: stackID, BalanceMicros: 0, MinBalance: 10},
	}}
	deployer := newFakeDeployer()
	m := New(members, chain, deployer, nil, Config{})

	m.stacks[stackID] = &types.Stack{ID: stackID, Phase: types.PhaseRunning, Revision: 1}
	deployer.deployed[stackID] = types.Stack{ID: stackID}
	m.desired[stackID] = &desiredStack{revision: 1, spec: validSpec()}

	m.reconcile(context.Background())

	require.Eventually(t, func() bool {
		for _, s := range m.Snapshot() {
			if s.ID == stackID {
				return s.Phase == types.PhaseSuspended
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, deployer.tearDownCount(stackID))
}

func TestReconcileMarksFetchingWhenManifestMissing(t *testing.T) {
	members, _ := selfOwningEverything()
	chain := &fakeChain{}
	deployer := newFakeDeployer()
	m := New(members, chain, deployer, nil, Config{})

	var stackID types.StackId
	stackID[0] = 5
	m.HandleStackEvent(chainmon.StackEvent{Kind: chainmon.StackEventCreated, StackId: stackID, Revision: 1, Spec: nil})

	m.reconcile(context.Background())

	require.Eventually(t, func() bool {
		for _, s := range m.Snapshot() {
			if s.ID == stackID {
				return s.Phase == types.PhaseFetching
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestReconcileDeletedStackTearsDownAndDrops(t *testing.T) {
	members, _ := selfOwningEverything()
	chain := &fakeChain{}
	deployer := newFakeDeployer()
	m := New(members, chain, deployer, nil, Config{})

	var stackID types.StackId
	stackID[0] = 6
	m.stacks[stackID] = &types.Stack{ID: stackID, Phase: types.PhaseRunning, Revision: 1}
	deployer.deployed[stackID] = types.Stack{ID: stackID}
	m.HandleStackEvent(chainmon.StackEvent{Kind: chainmon.StackEventDeleted, StackId: stackID, Revision: 2})

	m.reconcile(context.Background())

	require.Eventually(t, func() bool { return deployer.tearDownCount(stackID) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(m.Snapshot()) == 0 }, time.Second, 5*time.Millisecond)
}
