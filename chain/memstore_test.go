package chain

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// buildHeader constructs an 80-byte header that links to prev and carries
// bits/time. It does not grind for a valid proof-of-work hash; tests that
// exercise checkDifficulty construct their own low-difficulty regtest-style
// headers via mineHeader instead.
func buildHeader(prev chainhash.Hash, bits uint32, ts time.Time) *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: chainhash.Hash{0x01},
		Timestamp:  ts,
		Bits:       bits,
		Nonce:      0,
	}
}

func serialize(t *testing.T, hdr *wire.BlockHeader) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, hdr.Serialize(&buf))
	return buf.Bytes()
}

// mineHeader grinds Nonce until the header's hash satisfies its own Bits
// target, for use with the regtest network's trivial PowLimit.
func mineHeader(hdr *wire.BlockHeader, params *chaincfg.Params) *wire.BlockHeader {
	target := blockchain.CompactToBig(hdr.Bits)
	for nonce := uint32(0); ; nonce++ {
		hdr.Nonce = nonce
		hash := hdr.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return hdr
		}
	}
}

func newCheckpointedStore(t *testing.T) (*MemStore, *wire.BlockHeader) {
	t.Helper()
	params := &chaincfg.RegressionNetParams
	genesis := buildHeader(chainhash.Hash{}, params.PowLimitBits, time.Unix(1231006505, 0))
	store := NewMemStore(params, 0, nil, genesis)
	return store, genesis
}

func TestMemStoreConnectExtendsLongestFork(t *testing.T) {
	store, genesis := newCheckpointedStore(t)
	params := &chaincfg.RegressionNetParams

	h1 := mineHeader(buildHeader(genesis.BlockHash(), params.PowLimitBits, time.Unix(1231006606, 0)), params)
	_, fork, err := store.Connect(1, serialize(t, h1), false)
	require.NoError(t, err)
	require.NotNil(t, fork)
	require.Equal(t, int32(1), fork.Height())

	h2 := mineHeader(buildHeader(h1.BlockHash(), params.PowLimitBits, time.Unix(1231006706, 0)), params)
	_, fork2, err := store.Connect(2, serialize(t, h2), false)
	require.NoError(t, err)
	require.Equal(t, int32(2), fork2.Height())

	longest := store.Longest()
	require.NotNil(t, longest)
	require.Equal(t, int32(2), longest.Height())
}

func TestMemStoreConnectRejectsOrphan(t *testing.T) {
	store, _ := newCheckpointedStore(t)
	params := &chaincfg.RegressionNetParams

	orphanParent := chainhash.Hash{0xAA}
	h := buildHeader(orphanParent, params.PowLimitBits, time.Unix(1231006606, 0))
	_, _, err := store.Connect(1, serialize(t, h), false)
	require.Error(t, err)
	var missing *MissingHeaderError
	require.ErrorAs(t, err, &missing)
}

func TestMemStoreConnectChunk(t *testing.T) {
	store, genesis := newCheckpointedStore(t)
	params := &chaincfg.RegressionNetParams

	h1 := mineHeader(buildHeader(genesis.BlockHash(), params.PowLimitBits, time.Unix(1231006606, 0)), params)
	h2 := mineHeader(buildHeader(h1.BlockHash(), params.PowLimitBits, time.Unix(1231006706, 0)), params)

	chunk := append(serialize(t, h1), serialize(t, h2)...)
	fork, err := store.ConnectChunk(1, chunk, false)
	require.NoError(t, err)
	require.Equal(t, int32(2), fork.Height())
}

func TestMemStoreNeedsCheckpointHeaders(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	store := NewMemStore(params, 3, nil, nil)
	require.True(t, store.NeedsCheckpointHeaders())

	start, count := store.RequiredCheckpointHeaders()
	require.Equal(t, int32(0), start)
	require.Equal(t, int32(4), count)

	g0 := buildHeader(chainhash.Hash{}, params.PowLimitBits, time.Unix(0, 0))
	_, _, err := store.Connect(0, serialize(t, g0), true)
	require.NoError(t, err)

	start, count = store.RequiredCheckpointHeaders()
	require.Equal(t, int32(1), start)
	require.Equal(t, int32(3), count)
}
