// Package lifecycle reconciles chain-declared stacks, membership-based
// ownership, and escrow status into the set of stacks this node has
// locally deployed, one retryable task sequence per stack.
package lifecycle
