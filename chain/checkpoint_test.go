package chain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type fixedRootStore struct {
	root *chainhash.Hash
}

func (s *fixedRootStore) CheckpointHeight() int32                       { return 0 }
func (s *fixedRootStore) CheckpointMerkleRoot() *chainhash.Hash         { return s.root }
func (s *fixedRootStore) Longest() Fork                                 { return nil }
func (s *fixedRootStore) Forks() []Fork                                 { return nil }
func (s *fixedRootStore) NeedsCheckpointHeaders() bool                  { return false }
func (s *fixedRootStore) RequiredCheckpointHeaders() (int32, int32)     { return 0, 0 }
func (s *fixedRootStore) Connect(int32, []byte, bool) (*wire.BlockHeader, Fork, error) {
	panic("unused")
}
func (s *fixedRootStore) ConnectChunk(int32, []byte, bool) (Fork, error) {
	panic("unused")
}

func leafHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestVerifyCheckpointProofFoldsToRoot(t *testing.T) {
	leaf := leafHash(1)
	sibling := leafHash(2)
	root := hashPair(leaf, sibling)

	store := &fixedRootStore{root: &root}
	err := VerifyCheckpointProof(store, 10, leaf, root, []chainhash.Hash{sibling}, 0)
	require.NoError(t, err)
}

func TestVerifyCheckpointProofRejectsWrongBranch(t *testing.T) {
	leaf := leafHash(1)
	sibling := leafHash(2)
	root := hashPair(leaf, sibling)

	store := &fixedRootStore{root: &root}
	err := VerifyCheckpointProof(store, 10, leaf, root, []chainhash.Hash{leafHash(3)}, 0)
	require.Error(t, err)
	var branchErr *ProofBranchError
	require.ErrorAs(t, err, &branchErr)
}

// TestVerifyCheckpointProofFallsBackToClaimedRoot covers the no-pinned-root
// case: the fold must still run, compared against the server's own
// claimed root instead of short-circuiting to success.
func TestVerifyCheckpointProofFallsBackToClaimedRoot(t *testing.T) {
	leaf := leafHash(1)
	sibling := leafHash(2)
	claimed := hashPair(leaf, sibling)

	store := &fixedRootStore{root: nil}
	err := VerifyCheckpointProof(store, 10, leaf, claimed, []chainhash.Hash{sibling}, 0)
	require.NoError(t, err)

	err = VerifyCheckpointProof(store, 10, leaf, claimed, []chainhash.Hash{leafHash(3)}, 0)
	require.Error(t, err)
	var branchErr *ProofBranchError
	require.ErrorAs(t, err, &branchErr)
}
