package chain

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const headerSize = 80

// retargetInterval is the number of blocks between difficulty adjustments,
// shared by every network this store supports.
const retargetInterval = 2016

// memFork is the in-memory Fork implementation. Unlike a production store,
// it does not share ancestor structure between forks: each fork simply
// holds the full run of headers from checkpointHeight+1 through its own
// tip. That wastes memory on deep reorgs but keeps the reference
// implementation easy to reason about and test, and a reorg deep enough
// for it to matter is already outside what a checkpointed SPV client
// needs to handle gracefully.
type memFork struct {
	catchUpSlot

	baseHeight int32 // checkpointHeight + 1
	headers    []*wire.BlockHeader
}

func (f *memFork) Height() int32 {
	return f.baseHeight + int32(len(f.headers)) - 1
}

func (f *memFork) HeaderAt(height int32) (*wire.BlockHeader, bool) {
	idx := height - f.baseHeight
	if idx < 0 || int(idx) >= len(f.headers) {
		return nil, false
	}
	return f.headers[idx], true
}

func (f *memFork) CatchUp() any       { return f.get() }
func (f *memFork) SetCatchUp(o any)   { f.set(o) }

func (f *memFork) tipHash() chainhash.Hash {
	if len(f.headers) == 0 {
		return chainhash.Hash{}
	}
	return f.headers[len(f.headers)-1].BlockHash()
}

func (f *memFork) clone() *memFork {
	cp := make([]*wire.BlockHeader, len(f.headers))
	copy(cp, f.headers)
	return &memFork{baseHeight: f.baseHeight, headers: cp}
}

// MemStore is a self-contained, goroutine-safe Store backed by in-process
// slices. It is the reference Store used by network package tests and by
// cmd/netcored when no external wallet-chain store is wired in.
type MemStore struct {
	mu sync.RWMutex

	params          *chaincfg.Params
	checkpointHeight int32
	checkpointRoot   *chainhash.Hash
	checkpointHash   chainhash.Hash

	// genesis holds headers for heights [0, checkpointHeight] once known.
	// A nil entry means the header at that height has not arrived yet.
	genesis []*wire.BlockHeader

	forks []*memFork
}

// NewMemStore creates a store pinned to the given checkpoint.
// checkpointHeader, if non-nil, seeds the header at checkpointHeight and
// starts an empty fork above it; the headers below the checkpoint are still
// reported by RequiredCheckpointHeaders until they are connected.
func NewMemStore(params *chaincfg.Params, checkpointHeight int32, checkpointRoot *chainhash.Hash, checkpointHeader *wire.BlockHeader) *MemStore {
	s := &MemStore{
		params:           params,
		checkpointHeight: checkpointHeight,
		checkpointRoot:   checkpointRoot,
		genesis:          make([]*wire.BlockHeader, checkpointHeight+1),
	}
	if checkpointHeader != nil {
		s.genesis[checkpointHeight] = checkpointHeader
		s.checkpointHash = checkpointHeader.BlockHash()
		s.forks = []*memFork{{baseHeight: checkpointHeight + 1}}
	}
	return s
}

func (s *MemStore) CheckpointHeight() int32 { return s.checkpointHeight }

func (s *MemStore) CheckpointMerkleRoot() *chainhash.Hash { return s.checkpointRoot }

func (s *MemStore) Longest() Fork {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.longestLocked()
}

func (s *MemStore) longestLocked() Fork {
	var best *memFork
	for _, f := range s.forks {
		if best == nil || f.Height() > best.Height() {
			best = f
		}
	}
	if best == nil {
		return nil
	}
	return best
}

func (s *MemStore) Forks() []Fork {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fork, len(s.forks))
	for i, f := range s.forks {
		out[i] = f
	}
	return out
}

func (s *MemStore) NeedsCheckpointHeaders() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.genesis {
		if h == nil {
			return true
		}
	}
	return false
}

func (s *MemStore) RequiredCheckpointHeaders() (int32, int32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := int32(-1)
	for i, h := range s.genesis {
		if h == nil {
			start = int32(i)
			break
		}
	}
	if start < 0 {
		return 0, 0
	}
	count := int32(0)
	for i := int(start); i < len(s.genesis) && s.genesis[i] == nil; i++ {
		count++
	}
	return start, count
}

// Connect validates and appends a single header at height.
func (s *MemStore) Connect(height int32, raw []byte, proofWasProvided bool) (*wire.BlockHeader, Fork, error) {
	hdr, err := decodeHeader(raw)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if height <= s.checkpointHeight {
		s.genesis[height] = hdr
		return hdr, nil, nil
	}

	parentHash, parentBits, parentTime, err := s.parentAt(height - 1)
	if err != nil {
		return nil, nil, err
	}
	if hdr.PrevBlock != parentHash && height-1 > s.checkpointHeight {
		// parentAt returns the first fork holding height-1; the parent may
		// instead sit on another fork at the same height.
		for _, f := range s.forks {
			if p, ok := f.HeaderAt(height - 1); ok && p.BlockHash() == hdr.PrevBlock {
				parentHash, parentBits, parentTime = p.BlockHash(), p.Bits, p.Timestamp.Unix()
				break
			}
		}
	}
	if hdr.PrevBlock != parentHash {
		return nil, nil, &MissingHeaderError{Height: height}
	}
	if !proofWasProvided {
		if err := s.checkDifficulty(height, hdr, parentBits, parentTime); err != nil {
			return nil, nil, err
		}
	}

	fork := s.extendLocked(height, hdr)
	return hdr, fork, nil
}

// ConnectChunk validates and appends a contiguous run of headers.
func (s *MemStore) ConnectChunk(baseHeight int32, raw []byte, proofWasProvided bool) (Fork, error) {
	if len(raw)%headerSize != 0 {
		return nil, fmt.Errorf("chain: chunk length %d is not a multiple of %d", len(raw), headerSize)
	}
	count := len(raw) / headerSize
	var fork Fork
	for i := 0; i < count; i++ {
		segment := raw[i*headerSize : (i+1)*headerSize]
		_, f, err := s.Connect(baseHeight+int32(i), segment, proofWasProvided)
		if err != nil {
			return nil, fmt.Errorf("chain: chunk header %d (height %d): %w", i, baseHeight+int32(i), err)
		}
		if f != nil {
			fork = f
		}
	}
	return fork, nil
}

// parentAt returns the hash, bits, and timestamp of the header at height,
// searching genesis then every fork.
func (s *MemStore) parentAt(height int32) (chainhash.Hash, uint32, int64, error) {
	if height <= s.checkpointHeight {
		h := s.genesis[height]
		if h == nil {
			return chainhash.Hash{}, 0, 0, &MissingHeaderError{Height: height}
		}
		return h.BlockHash(), h.Bits, h.Timestamp.Unix(), nil
	}
	for _, f := range s.forks {
		if h, ok := f.HeaderAt(height); ok {
			return h.BlockHash(), h.Bits, h.Timestamp.Unix(), nil
		}
	}
	return chainhash.Hash{}, 0, 0, &MissingHeaderError{Height: height}
}

// extendLocked appends hdr to whichever fork's tip it extends, or starts a
// new fork from the branch point if hdr extends an interior header.
func (s *MemStore) extendLocked(height int32, hdr *wire.BlockHeader) *memFork {
	for _, f := range s.forks {
		if f.Height() == height-1 && f.tipHash() == hdr.PrevBlock {
			f.headers = append(f.headers, hdr)
			return f
		}
	}
	for _, f := range s.forks {
		if parent, ok := f.HeaderAt(height - 1); ok && parent.BlockHash() == hdr.PrevBlock {
			nf := f.clone()
			nf.headers = nf.headers[:height-f.baseHeight]
			nf.headers = append(nf.headers, hdr)
			s.forks = append(s.forks, nf)
			return nf
		}
	}
	// Extends the checkpoint header itself: first header of a new fork.
	nf := &memFork{baseHeight: height, headers: []*wire.BlockHeader{hdr}}
	s.forks = append(s.forks, nf)
	return nf
}

// checkDifficulty enforces the standard Bitcoin retarget rule: bits are
// fixed for retargetInterval blocks, then recomputed from the actual time
// span of the prior interval, clamped to [1/4x, 4x] of the previous target,
// and never looser than the network's minimum difficulty.
func (s *MemStore) checkDifficulty(height int32, hdr *wire.BlockHeader, parentBits uint32, parentTime int64) error {
	expected := parentBits
	if height%retargetInterval == 0 {
		firstHash, firstBits, firstTime, err := s.parentAt(height - retargetInterval)
		if err != nil {
			// Without the full interval we cannot recompute; trust the
			// server like we do for anything below the checkpoint.
			expected = parentBits
		} else {
			_ = firstHash
			_ = firstBits
			expected = retarget(s.params, firstBits, firstTime, parentTime)
		}
	}
	if hdr.Bits != expected {
		return &IncorrectBitsError{Height: height, Got: hdr.Bits, Expected: expected}
	}

	target := blockchain.CompactToBig(hdr.Bits)
	if target.Sign() <= 0 || target.Cmp(s.params.PowLimit) > 0 {
		return &InsufficientPoWError{Height: height}
	}
	hash := hdr.BlockHash()
	hashNum := blockchain.HashToBig(&hash)
	if hashNum.Cmp(target) > 0 {
		return &InsufficientPoWError{Height: height}
	}
	return nil
}

func retarget(params *chaincfg.Params, firstBits uint32, firstTime, lastTime int64) uint32 {
	actualTimespan := lastTime - firstTime
	targetTimespan := int64(params.TargetTimespan / params.TargetTimePerBlock * params.TargetTimePerBlock / time.Second)
	if actualTimespan < targetTimespan/4 {
		actualTimespan = targetTimespan / 4
	}
	if actualTimespan > targetTimespan*4 {
		actualTimespan = targetTimespan * 4
	}

	oldTarget := blockchain.CompactToBig(firstBits)
	newTarget := new(big.Int).Mul(oldTarget, big.NewInt(actualTimespan))
	newTarget.Div(newTarget, big.NewInt(targetTimespan))
	if newTarget.Cmp(params.PowLimit) > 0 {
		newTarget.Set(params.PowLimit)
	}
	return blockchain.BigToCompact(newTarget)
}

func decodeHeader(raw []byte) (*wire.BlockHeader, error) {
	if len(raw) != headerSize {
		return nil, fmt.Errorf("chain: header is %d bytes, want %d", len(raw), headerSize)
	}
	hdr := &wire.BlockHeader{}
	if err := hdr.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("chain: decode header: %w", err)
	}
	return hdr, nil
}
