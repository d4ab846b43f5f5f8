package localchain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-protocol/executor/pkg/chainmon"
	"github.com/mu-protocol/executor/pkg/types"
)

func TestSeedIsObservableThroughStackEventsSince(t *testing.T) {
	c := New()
	var id types.StackId
	id[0] = 9
	stack := types.Stack{ID: id, Revision: 1, Spec: &types.StackSpec{}}
	c.Seed(stack, types.EscrowAccount{StackId: id, BalanceMicros: 100, MinBalance: 10})

	events, slot, err := c.StackEventsSince(context.Background(), "us-east", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, chainmon.StackEventCreated, events[0].Kind)
	assert.EqualValues(t, 1, slot)

	acct, err := c.EscrowStatus(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 100, acct.BalanceMicros)
}

func TestEscrowStatusUnknownStackReturnsRPCError(t *testing.T) {
	c := New()
	var id types.StackId
	id[1] = 1

	_, err := c.EscrowStatus(context.Background(), id)
	require.Error(t, err)
	var rpcErr *types.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, types.ErrUnknownStack, rpcErr.Kind)
}

func TestSubmitUsageRecordsReports(t *testing.T) {
	c := New()
	var id types.StackId
	id[2] = 1

	err := c.SubmitUsage(context.Background(), "us-east", id, 1, types.UsageVector{}, nil)
	require.NoError(t, err)
	require.Len(t, c.Submissions(), 1)
}

func TestSetMinEscrowIsObservableThroughMinEscrowSince(t *testing.T) {
	c := New()
	c.SetMinEscrow("us-east", 50)

	events, err := c.MinEscrowSince(context.Background(), "us-east", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, 50, events[0].MinBalance)
}
