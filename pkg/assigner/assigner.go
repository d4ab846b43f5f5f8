// Package assigner computes, from a membership snapshot alone and with
// no coordination round-trip, which alive node owns a given stack. Every
// node runs the identical pure function and agrees on the same owner as
// long as their membership snapshots agree, which is what lets the
// marketplace route a request to the right node without asking anyone
// "who owns this?" first.
package assigner

import (
	"golang.org/x/crypto/blake2b"

	"github.com/mu-protocol/executor/pkg/types"
)

// Owner returns the alive node in members responsible for stackID: the
// node whose blake2b-256 distance hash(id ++ stackID) is lexicographically
// smallest, with NodeId.Less breaking exact hash ties. Returns false if
// members contains no alive node.
func Owner(members []types.NodeInfo, stackID types.StackId) (types.NodeId, bool) {
	var (
		best     types.NodeId
		bestHash [blake2b.Size256]byte
		haveBest bool
	)
	for _, m := range members {
		if m.Status != types.NodeAlive {
			continue
		}
		h := distance(m.ID, stackID)
		if !haveBest {
			best, bestHash, haveBest = m.ID, h, true
			continue
		}
		switch cmpHash(h, bestHash) {
		case -1:
			best, bestHash = m.ID, h
		case 0:
			if m.ID.Less(best) {
				best, bestHash = m.ID, h
			}
		}
	}
	return best, haveBest
}

// distance hashes a candidate node against a stack: blake2b-256(id ++ stackID).
func distance(id types.NodeId, stackID types.StackId) [blake2b.Size256]byte {
	var buf [64]byte
	copy(buf[:32], id[:])
	copy(buf[32:], stackID[:])
	return blake2b.Sum256(buf[:])
}

// cmpHash returns -1, 0, 1 like bytes.Compare.
func cmpHash(a, b [blake2b.Size256]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
