// Package localchain is an honest, undisguised in-memory stand-in for
// chainmon.ChainClient: it lets a node start up and run without a real
// marketplace program to talk to. It is not, and does not pretend to
// be, a client for any real chain RPC — StackEventsSince/MinEscrowSince
// never return anything unless the embedding process calls Seed/SetMinEscrow
// itself, and SubmitUsage only records what it was given. A deployment
// wiring a real chain connector replaces this value entirely; nothing
// in the rest of the tree depends on its concrete type, only on
// chainmon.ChainClient.
package localchain

import (
	"context"
	"sync"

	"github.com/mu-protocol/executor/pkg/chainmon"
	"github.com/mu-protocol/executor/pkg/types"
)

// Client is a ChainClient backed entirely by process memory.
type Client struct {
	mu          sync.Mutex
	events      []chainmon.StackEvent
	minEscrows  []chainmon.MinEscrowEvent
	escrow      map[types.StackId]types.EscrowAccount
	slot        uint64
	submissions []chainmon.UsageReport
}

// New returns an empty Client. Seed stacks into it with Seed before
// starting a Monitor against it, or the monitor simply observes no
// events, ever.
func New() *Client {
	return &Client{
		escrow: make(map[types.StackId]types.EscrowAccount),
	}
}

// Seed records stack as created at the next slot and sets its initial
// escrow account. Intended for local/standalone runs and tests, not a
// production entry point.
func (c *Client) Seed(stack types.Stack, escrow types.EscrowAccount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot++
	c.events = append(c.events, chainmon.StackEvent{
		Kind:     chainmon.StackEventCreated,
		StackId:  stack.ID,
		Revision: stack.Revision,
		Spec:     stack.Spec,
		Slot:     c.slot,
	})
	c.escrow[stack.ID] = escrow
}

// SetMinEscrow records a MinEscrow change for region at the next slot.
func (c *Client) SetMinEscrow(region string, minBalance uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot++
	c.minEscrows = append(c.minEscrows, chainmon.MinEscrowEvent{
		Region:     region,
		MinBalance: minBalance,
		Slot:       c.slot,
	})
}

// StackEventsSince implements chainmon.ChainClient.
func (c *Client) StackEventsSince(_ context.Context, _ string, fromSlot uint64) ([]chainmon.StackEvent, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chainmon.StackEvent
	for _, ev := range c.events {
		if ev.Slot >= fromSlot {
			out = append(out, ev)
		}
	}
	return out, c.slot, nil
}

// EscrowStatus implements chainmon.ChainClient.
func (c *Client) EscrowStatus(_ context.Context, stackID types.StackId) (types.EscrowAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acct, ok := c.escrow[stackID]
	if !ok {
		return types.EscrowAccount{}, &types.RPCError{Kind: types.ErrUnknownStack, Message: "no escrow account seeded for stack"}
	}
	return acct, nil
}

// MinEscrowSince implements chainmon.ChainClient.
func (c *Client) MinEscrowSince(_ context.Context, region string, fromSlot uint64) ([]chainmon.MinEscrowEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chainmon.MinEscrowEvent
	for _, ev := range c.minEscrows {
		if ev.Region == region && ev.Slot >= fromSlot {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SubmitUsage implements chainmon.ChainClient. It never fails; callers
// that need to exercise retry paths should wrap a Client, not rely on
// this one to reject anything.
func (c *Client) SubmitUsage(_ context.Context, region string, stackID types.StackId, updateSeed uint64, vector types.UsageVector, signature []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submissions = append(c.submissions, chainmon.UsageReport{
		Region:     region,
		StackId:    stackID,
		UpdateSeed: updateSeed,
		Vector:     vector,
	})
	return nil
}

// Submissions returns every usage report accepted so far, for tests
// and local inspection.
func (c *Client) Submissions() []chainmon.UsageReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(nil, c.submissions...)
}

var _ chainmon.ChainClient = (*Client)(nil)
