// Package chain adapts a blockchain-headers store to the narrow surface the
// network core needs: checkpoint metadata, fork enumeration, and the
// connect/connect_chunk operations used by the header-sync state driver.
// The real store (wallet-level chain validation, persistence, reorg
// bookkeeping) is an external collaborator; this package defines the
// interface the core depends on and ships a self-contained in-memory
// implementation that is faithful enough to exercise and test the core
// end to end.
package chain

import (
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Fork is a maximal chain of headers rooted at the checkpoint. Several may
// exist simultaneously while peers disagree about the tip.
type Fork interface {
	// Height returns the height of this fork's current tip.
	Height() int32

	// HeaderAt returns the header stored at height, if any.
	HeaderAt(height int32) (*wire.BlockHeader, bool)

	// CatchUp returns the current catch-up owner, or nil if none.
	CatchUp() any

	// SetCatchUp claims or releases the fork for catch-up. Pass nil to
	// release. Callers must check CatchUp() == nil before claiming.
	SetCatchUp(owner any)
}

// Store is the gateway onto the blockchain-headers store.
type Store interface {
	// CheckpointHeight is the pinned checkpoint height.
	CheckpointHeight() int32

	// CheckpointMerkleRoot is the pinned Merkle root, or nil if the
	// deployment has none configured (in which case C3 trusts the
	// server-supplied root).
	CheckpointMerkleRoot() *chainhash.Hash

	// Longest returns the fork with the greatest height.
	Longest() Fork

	// Forks returns every fork currently tracked.
	Forks() []Fork

	// NeedsCheckpointHeaders is true until the local store holds every
	// header from genesis through the checkpoint.
	NeedsCheckpointHeaders() bool

	// RequiredCheckpointHeaders returns the (start, count) of the next
	// chunk needed to complete the pre-checkpoint chain. count is 0 once
	// NeedsCheckpointHeaders is false.
	RequiredCheckpointHeaders() (start int32, count int32)

	// Connect validates and appends a single raw 80-byte header at height.
	// proofWasProvided indicates whether the caller already validated a
	// checkpoint Merkle proof for this header (see chain.VerifyCheckpointProof).
	Connect(height int32, raw []byte, proofWasProvided bool) (*wire.BlockHeader, Fork, error)

	// ConnectChunk validates and appends a contiguous run of raw 80-byte
	// headers starting at baseHeight.
	ConnectChunk(baseHeight int32, raw []byte, proofWasProvided bool) (Fork, error)
}

// catchUpSlot is an atomic nullable owner slot shared by Fork implementations.
type catchUpSlot struct {
	v atomic.Value // holds boxedOwner
}

type boxedOwner struct{ owner any }

func (s *catchUpSlot) get() any {
	v, _ := s.v.Load().(boxedOwner)
	return v.owner
}

func (s *catchUpSlot) set(owner any) {
	s.v.Store(boxedOwner{owner: owner})
}
