package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ProofBranchError is returned when a Merkle branch does not fold up to
// the expected root.
type ProofBranchError struct {
	Height int32
}

func (e *ProofBranchError) Error() string {
	return fmt.Sprintf("chain: merkle branch at height %d does not fold to the checkpoint root", e.Height)
}

// VerifyCheckpointProof folds a Merkle branch for the header at height and
// reports whether it matches the expected root: the store's pinned
// checkpoint root if one is configured, otherwise claimedRoot, the root
// the server itself reported alongside the proof. branch is ordered
// leaf-to-root, each entry the sibling hash at that level; pos is the
// header's 0-based leaf index (its bit pattern selects, at each level,
// whether the running hash is hashed as the left or right operand).
//
// The fold always runs and the comparison is always made: with no pinned
// root, this still catches a branch that doesn't fold up to the root the
// server itself claimed, even though it can't catch a server lying about
// both the header and the root together.
func VerifyCheckpointProof(s Store, height int32, headerHash chainhash.Hash, claimedRoot chainhash.Hash, branch []chainhash.Hash, pos uint32) error {
	current := headerHash
	for _, sibling := range branch {
		if pos&1 == 1 {
			current = hashPair(sibling, current)
		} else {
			current = hashPair(current, sibling)
		}
		pos >>= 1
	}

	expected := claimedRoot
	if pinned := s.CheckpointMerkleRoot(); pinned != nil {
		expected = *pinned
	}
	if current != expected {
		return &ProofBranchError{Height: height}
	}
	return nil
}

// hashPair computes double-SHA-256(left || right), the standard Bitcoin
// Merkle tree internal node hash.
func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return chainhash.DoubleHashH(buf[:])
}
