package aggregator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-protocol/executor/pkg/chainmon"
	"github.com/mu-protocol/executor/pkg/kv"
	"github.com/mu-protocol/executor/pkg/types"
)

func newTestStore(t *testing.T) kv.Store {
	t.Helper()
	s, err := kv.NewBoltStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeSubmitter struct {
	mu      sync.Mutex
	reports []chainmon.UsageReport
	failNext bool
}

func (f *fakeSubmitter) SubmitUsage(ctx context.Context, report chainmon.UsageReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("submit failed")
	}
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeSubmitter) calls() []chainmon.UsageReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(nil, f.reports...)
}

func stackID(b byte) types.StackId {
	var id types.StackId
	id[0] = b
	return id
}

func TestSubmitAllSendsAccumulatedVector(t *testing.T) {
	chain := &fakeSubmitter{}
	store := newTestStore(t)
	a := New(chain, store, Config{Region: "us-east"})

	id := stackID(1)
	a.RecordGatewayUsage(id, 3, 150)
	a.RecordGatewayUsage(id, 2, 50)
	a.RecordFunctionUsage(id, 10)

	a.submitAll(context.Background())

	reports := chain.calls()
	require.Len(t, reports, 1)
	assert.Equal(t, "us-east", reports[0].Region)
	assert.Equal(t, id, reports[0].StackId)
	assert.EqualValues(t, 1, reports[0].UpdateSeed)
	assert.EqualValues(t, 5, reports[0].Vector.GatewayRequests)
	assert.EqualValues(t, 200, reports[0].Vector.GatewayTrafficBytes)
	assert.EqualValues(t, 10, reports[0].Vector.FunctionMBInstructions)
}

func TestSubmitAllSkipsStacksWithNoPendingUsage(t *testing.T) {
	chain := &fakeSubmitter{}
	store := newTestStore(t)
	a := New(chain, store, Config{Region: "us-east"})

	a.submitAll(context.Background())

	assert.Empty(t, chain.calls())
}

func TestSubmitAllMergesFailedSubmissionBackIntoPending(t *testing.T) {
	chain := &fakeSubmitter{failNext: true}
	store := newTestStore(t)
	a := New(chain, store, Config{Region: "us-east"})

	id := stackID(2)
	a.RecordGatewayUsage(id, 1, 100)
	a.submitAll(context.Background())
	assert.Empty(t, chain.calls(), "first attempt should have failed")

	a.mu.Lock()
	pending := a.pending[id]
	a.mu.Unlock()
	assert.EqualValues(t, 1, pending.GatewayRequests, "failed submission's vector should be merged back")

	a.RecordGatewayUsage(id, 4, 0)
	a.submitAll(context.Background())

	reports := chain.calls()
	require.Len(t, reports, 1)
	assert.EqualValues(t, 5, reports[0].Vector.GatewayRequests, "retry should include usage recorded after the failed attempt")
	assert.EqualValues(t, 1, reports[0].UpdateSeed, "seed should not advance on a failed attempt")
}

func TestSeedAdvancesAndPersistsAcrossSubmissions(t *testing.T) {
	chain := &fakeSubmitter{}
	store := newTestStore(t)
	a := New(chain, store, Config{Region: "us-east"})

	id := stackID(3)
	a.RecordFunctionUsage(id, 1)
	a.submitAll(context.Background())
	a.RecordFunctionUsage(id, 1)
	a.submitAll(context.Background())

	reports := chain.calls()
	require.Len(t, reports, 2)
	assert.EqualValues(t, 1, reports[0].UpdateSeed)
	assert.EqualValues(t, 2, reports[1].UpdateSeed)
}

func TestLoadSeedsRestoresPersistedState(t *testing.T) {
	chain := &fakeSubmitter{}
	store := newTestStore(t)
	id := stackID(4)

	a := New(chain, store, Config{Region: "us-east"})
	a.RecordFunctionUsage(id, 1)
	a.submitAll(context.Background())
	require.NoError(t, a.persistSeed(context.Background(), id, 7))

	b := New(chain, store, Config{Region: "us-east"})
	require.NoError(t, b.loadSeeds(context.Background()))
	b.mu.Lock()
	seed := b.seeds[id]
	b.mu.Unlock()
	assert.EqualValues(t, 7, seed)
}

func TestStartAndStopRunsSubmissionLoop(t *testing.T) {
	chain := &fakeSubmitter{}
	store := newTestStore(t)
	a := New(chain, store, Config{Region: "us-east", SubmitInterval: 10 * time.Millisecond})

	id := stackID(5)
	a.RecordFunctionUsage(id, 9)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(chain.calls()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
