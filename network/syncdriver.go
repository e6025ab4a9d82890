package network

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rt121212121/electrumsv/chain"
)

// headerResult is the decoded shape of a "blockchain.block.header" or
// "blockchain.block.headers" response, depending on which variant a given
// sync state needs.
type headerResult struct {
	Hex      string   `json:"hex"`
	Branch   []string `json:"branch"`
	Root     string   `json:"root"`
	Count    int      `json:"count"`
	MaxChunk int      `json:"max"`
}

// advanceSyncState runs one step of the per-interface header-sync state
// machine (C7) for iface, issuing at most two requests (VERIFICATION sends
// server.version before its tip or backfill request; every other state
// sends one). The pool loop calls
// this once per tick per connected interface, but always in its own
// goroutine (guarded by iface.syncing) so a slow or unresponsive peer never
// blocks the loop goroutine itself — only the one interface's own sync
// step waits on the network round trip.
//
// The five states mirror the original implementation's VERIFICATION,
// BACKWARD, BINARY, CATCH_UP and DEFAULT phases: a freshly connected peer
// is first checked against the pinned checkpoint (VERIFICATION), then
// walked backward from its reported tip until a locally-known height is
// found (BACKWARD), then bisected between the last known-good and first
// known-bad height to find the fork point (BINARY), then fed forward in
// chunks to the tip (CATCH_UP), and finally kept current one header at a
// time (DEFAULT).
func advanceSyncState(ctx context.Context, n *Network, iface *Interface) {
	if !iface.syncing.CompareAndSwap(false, true) {
		return
	}
	defer iface.syncing.Store(false)

	switch iface.State() {
	case StateVerification:
		stepVerification(ctx, n, iface)
	case StateBackward:
		stepBackward(ctx, n, iface)
	case StateBinary:
		stepBinary(ctx, n, iface)
	case StateCatchUp:
		stepCatchUp(ctx, n, iface)
	case StateDefault:
		stepDefault(ctx, n, iface)
	}
}

// clientProtocolVersion is advertised in the "server.version" request every
// VERIFICATION step opens with. The first VERIFICATION step runs on the
// pool's first tick after the connection opens, while the pool's handshake
// (banner, donation address, peers, relay fee) starts as soon as the
// connection opens, so "server.version" is not guaranteed to be the first
// request a peer receives.
const (
	clientVersionString  = "electrumsv-netcore/1.0"
	clientProtocolVersion = "1.4"
)

func stepVerification(ctx context.Context, n *Network, iface *Interface) {
	if _, err := n.Send(ctx, iface, "server.version", []any{clientVersionString, clientProtocolVersion}); err != nil {
		iface.log.Debug("server.version failed", "err", err)
		return
	}

	cp := n.opts.Store.CheckpointHeight()
	if n.opts.Store.NeedsCheckpointHeaders() {
		fetchCheckpointBackfill(ctx, n, iface, cp)
		return
	}

	raw, err := n.Send(ctx, iface, "blockchain.headers.subscribe", nil)
	if err != nil {
		iface.log.Debug("verification subscribe failed", "err", err)
		return
	}
	var hr struct {
		Height int32 `json:"height"`
	}
	if err := json.Unmarshal(raw, &hr); err != nil {
		iface.log.Warn("malformed verification subscribe response", "err", err)
		return
	}
	if hr.Height <= cp {
		iface.log.Warn("peer tip at or below checkpoint, disconnecting", "server", iface.Key, "tip", hr.Height, "checkpoint", cp)
		iface.conn.Close()
		return
	}

	iface.SetTip(cp)
	iface.SetState(StateBackward)
	iface.bracketData = &bracket{goodHeight: cp, badHeight: -1}
}

// fetchCheckpointBackfill requests the next chunk of pre-checkpoint
// headers the local store is still missing (Store.RequiredCheckpointHeaders)
// and connects it once its checkpoint-era proof verifies. The interface
// stays in VERIFICATION; the pool's next tick calls stepVerification again,
// which re-checks NeedsCheckpointHeaders and either requests the next gap
// or falls through to the ordinary tip subscribe once it is closed.
//
// Every response here is a checkpoint-era request (its range never exceeds
// checkpoint_height), so a server that omits root/branch is disconnected
// without being blacklisted, while one whose proof fails folding is
// blacklisted.
func fetchCheckpointBackfill(ctx context.Context, n *Network, iface *Interface, cp int32) {
	start, count := n.opts.Store.RequiredCheckpointHeaders()
	raw, err := n.Send(ctx, iface, "blockchain.block.headers", []any{start, count, cp})
	if err != nil {
		iface.log.Debug("checkpoint backfill request failed", "err", err)
		return
	}
	var hr headerResult
	if err := json.Unmarshal(raw, &hr); err != nil {
		iface.log.Warn("malformed checkpoint backfill response", "err", err)
		return
	}
	headerBytes, err := hex.DecodeString(hr.Hex)
	if err != nil {
		iface.log.Warn("malformed checkpoint backfill hex", "err", err)
		return
	}
	numHeaders := len(headerBytes) / 80
	if numHeaders == 0 {
		iface.log.Warn("empty checkpoint backfill chunk, disconnecting", "server", iface.Key)
		iface.conn.Close()
		return
	}
	if int32(numHeaders) > count {
		iface.log.Warn("server returned more headers than requested, disconnecting", "server", iface.Key, "got", numHeaders, "want", count)
		iface.conn.Close()
		return
	}

	if hr.Root == "" || len(hr.Branch) == 0 {
		iface.log.Warn("checkpoint-era chunk missing proof, disconnecting", "server", iface.Key)
		iface.conn.Close()
		return
	}
	claimedRoot, err := chainhash.NewHashFromStr(hr.Root)
	if err != nil {
		iface.log.Warn("malformed checkpoint backfill root, disconnecting", "server", iface.Key, "err", err)
		iface.conn.Close()
		return
	}
	tail := headerBytes[(numHeaders-1)*80:]
	tailHash := chainhash.DoubleHashH(tail)
	branch := decodeBranch(hr.Branch)
	if err := chain.VerifyCheckpointProof(n.opts.Store, cp, tailHash, *claimedRoot, branch, 0); err != nil {
		iface.log.Warn("checkpoint backfill proof failed, blacklisting", "server", iface.Key, "err", err)
		n.pool.blacklistServer(iface.Key)
		iface.conn.Close()
		return
	}

	if _, err := n.opts.Store.ConnectChunk(start, headerBytes, true); err != nil {
		iface.log.Warn("checkpoint backfill chunk rejected, disconnecting", "server", iface.Key, "err", err)
		iface.conn.Close()
	}
}

func decodeBranch(hexes []string) []chainhash.Hash {
	out := make([]chainhash.Hash, 0, len(hexes))
	for _, h := range hexes {
		hash, err := chainhash.NewHashFromStr(h)
		if err != nil {
			continue
		}
		out = append(out, *hash)
	}
	return out
}

// stepBackward walks backward from the peer's reported tip by
// successively larger steps (the original implementation doubles the step
// each miss) until it finds a height whose header is already known
// locally, establishing the "good" end of the bisection bracket.
func stepBackward(ctx context.Context, n *Network, iface *Interface) {
	raw, err := n.Send(ctx, iface, "blockchain.headers.subscribe", nil)
	if err != nil {
		return
	}
	var hr struct {
		Height int32 `json:"height"`
	}
	if err := json.Unmarshal(raw, &hr); err != nil {
		return
	}
	cp := n.opts.Store.CheckpointHeight()
	if hr.Height <= cp {
		iface.log.Warn("peer tip at or below checkpoint, disconnecting", "server", iface.Key, "tip", hr.Height, "checkpoint", cp)
		iface.conn.Close()
		return
	}
	iface.SetTip(hr.Height)

	b := iface.bracketData
	step := int32(1)
	if iface.nextBackoff > 0 {
		step = iface.nextBackoff
	}
	candidate := hr.Height - step
	if candidate < cp {
		candidate = cp
	}

	if fork := n.opts.Store.Longest(); fork != nil {
		if _, ok := fork.HeaderAt(candidate); ok {
			b.goodHeight = candidate
			b.badHeight = hr.Height
			iface.SetState(StateBinary)
			iface.fork = fork
			return
		}
	}
	iface.nextBackoff = step * 2
}

// stepBinary bisects between the bracket's good and bad heights until
// they are adjacent, at which point the fork point is known and the
// interface moves to CATCH_UP.
func stepBinary(ctx context.Context, n *Network, iface *Interface) {
	b := iface.bracketData
	if b.badHeight-b.goodHeight <= 1 {
		iface.SetState(StateCatchUp)
		return
	}
	mid := (b.goodHeight + b.badHeight) / 2
	raw, err := n.Send(ctx, iface, "blockchain.block.header", []any{mid})
	if err != nil {
		return
	}
	var hr headerResult
	if err := json.Unmarshal(raw, &hr); err != nil {
		return
	}
	headerBytes, err := hex.DecodeString(hr.Hex)
	if err != nil {
		return
	}
	_, _, connErr := n.opts.Store.Connect(mid, headerBytes, false)
	switch connErr.(type) {
	case nil:
		b.goodHeight = mid
	case *chain.IncorrectBitsError, *chain.InsufficientPoWError:
		iface.log.Warn("PoW rule violation during bisection, blacklisting", "server", iface.Key, "height", mid, "err", connErr)
		n.pool.blacklistServer(iface.Key)
		iface.conn.Close()
	default:
		b.badHeight = mid
	}
}

// stepCatchUp requests headers in chunks from the fork point up to the
// peer's reported tip. A fresh catch-up claim is required so two
// interfaces never fetch overlapping ranges concurrently (the original
// implementation's per-fork "catch_up" ownership field).
func stepCatchUp(ctx context.Context, n *Network, iface *Interface) {
	fork := iface.fork
	if fork == nil {
		fork = n.opts.Store.Longest()
	}
	if fork == nil {
		iface.SetState(StateDefault)
		return
	}
	if owner := fork.CatchUp(); owner != nil && owner != iface {
		return
	}
	fork.SetCatchUp(iface)

	start := fork.Height() + 1
	const chunkSize = 2016
	tip := iface.Tip()
	if start > tip {
		fork.SetCatchUp(nil)
		iface.SetState(StateDefault)
		return
	}

	raw, err := n.Send(ctx, iface, "blockchain.block.headers", []any{start, chunkSize})
	if err != nil {
		fork.SetCatchUp(nil)
		return
	}
	var hr headerResult
	if err := json.Unmarshal(raw, &hr); err != nil {
		fork.SetCatchUp(nil)
		return
	}
	headerBytes, err := hex.DecodeString(hr.Hex)
	if err != nil {
		fork.SetCatchUp(nil)
		return
	}
	if _, err := n.opts.Store.ConnectChunk(start, headerBytes, false); err != nil {
		iface.log.Warn("catch-up chunk rejected", "start", start, "err", err)
		// ConnectChunk wraps the per-header error, so match with errors.As.
		var bitsErr *chain.IncorrectBitsError
		var powErr *chain.InsufficientPoWError
		if errors.As(err, &bitsErr) || errors.As(err, &powErr) {
			n.pool.blacklistServer(iface.Key)
			iface.conn.Close()
		}
		fork.SetCatchUp(nil)
		return
	}

	newFork := n.opts.Store.Longest()
	if newFork != nil && newFork.Height() >= tip {
		fork.SetCatchUp(nil)
		iface.SetState(StateDefault)
		n.bus.Emit(EventUpdated, iface)
	}
}

// stepDefault keeps an up-to-date interface current by re-subscribing to
// header notifications; unsolicited tip pushes between ticks are tracked
// by the pool's drainNotifications, not by this per-tick step. When the
// peer's new tip is delta blocks ahead of the local longest fork, the
// interface returns to BINARY with its bracket re-opened at the original's
// max(checkpoint_height+1, tip - 2*delta) formula, which re-widens the
// search window rather than assuming only a shallow reorg occurred.
func stepDefault(ctx context.Context, n *Network, iface *Interface) {
	raw, err := n.Send(ctx, iface, "blockchain.headers.subscribe", nil)
	if err != nil {
		return
	}
	var hr struct {
		Height int32 `json:"height"`
	}
	if err := json.Unmarshal(raw, &hr); err != nil {
		return
	}
	if hr.Height <= iface.Tip() {
		return
	}

	fork := n.opts.Store.Longest()
	h := fork.Height()
	delta := hr.Height - h
	if delta <= 0 {
		iface.SetTip(hr.Height)
		return
	}
	cp := n.opts.Store.CheckpointHeight()
	next := hr.Height - 2*delta
	if next < cp+1 {
		next = cp + 1
	}

	iface.SetTip(hr.Height)
	iface.bracketData = &bracket{goodHeight: next, badHeight: hr.Height}
	iface.SetState(StateBinary)
}
