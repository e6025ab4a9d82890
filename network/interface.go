package network

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rt121212121/electrumsv/chain"
	"github.com/rt121212121/electrumsv/server"
)

// SyncState names where an Interface sits in the header-sync state
// machine (C7).
type SyncState int

const (
	StateVerification SyncState = iota
	StateBackward
	StateBinary
	StateCatchUp
	StateDefault
)

func (s SyncState) String() string {
	switch s {
	case StateVerification:
		return "verification"
	case StateBackward:
		return "backward"
	case StateBinary:
		return "binary"
	case StateCatchUp:
		return "catch_up"
	case StateDefault:
		return "default"
	default:
		return "unknown"
	}
}

// bracket holds the backward/binary-search bisection bounds: a known-good
// height/hash pair and a known-bad height, narrowing until adjacent.
type bracket struct {
	goodHeight int32
	goodHash   *wire.BlockHeader
	badHeight  int32
}

// Interface is a single live connection to one Electrum server: the
// socket, the framed reader goroutine, the pending-request table,
// and this peer's header-sync state. It corresponds to the original
// implementation's per-connection Interface object.
type Interface struct {
	Key  server.Key
	conn net.Conn

	log log.Logger

	nextID int64 // atomic

	mu      sync.Mutex
	pending map[int64]chan *frame
	closed  bool

	writeMu sync.Mutex

	// stateMu guards state/tip: both the per-interface sync-step goroutine
	// (advanceSyncState) and the notification-draining goroutine
	// (drainNotifications, for unsolicited headers.subscribe pushes) write
	// these fields, so plain field access is not safe.
	stateMu sync.Mutex
	state   SyncState
	tip     int32

	// bracketData, nextBackoff, and fork are only ever touched by the sync
	// step, and only one sync step per interface runs at a time (guarded
	// by syncing), so they need no lock.
	bracketData *bracket
	nextBackoff int32
	backoffStep time.Duration
	fork        chain.Fork

	// syncing is set while a sync-driver step (advanceSyncState) is in
	// flight for this interface, so the pool's periodic tick never starts
	// a second concurrent step (and therefore never blocks the tick
	// goroutine on a slow peer's response).
	syncing atomic.Bool

	// lagCount tracks consecutive ticks this interface, while it is the
	// pool's default, has reported a lower tip than the best connected
	// peer, driving the lagging-interface auto-switch in C8.
	lagCount int

	outNotify chan *frame // raw notifications handed to the pool loop
}

// State returns the interface's current sync-driver state.
func (iface *Interface) State() SyncState {
	iface.stateMu.Lock()
	defer iface.stateMu.Unlock()
	return iface.state
}

// SetState updates the interface's sync-driver state.
func (iface *Interface) SetState(s SyncState) {
	iface.stateMu.Lock()
	defer iface.stateMu.Unlock()
	iface.state = s
}

// Tip returns the interface's last advertised tip height.
func (iface *Interface) Tip() int32 {
	iface.stateMu.Lock()
	defer iface.stateMu.Unlock()
	return iface.tip
}

// SetTip updates the interface's last advertised tip height.
func (iface *Interface) SetTip(height int32) {
	iface.stateMu.Lock()
	defer iface.stateMu.Unlock()
	iface.tip = height
}

// newInterface wraps an already-connected socket. The caller is
// responsible for the handshake sequence (subscriptions, etc.) performed
// by the pool manager after construction.
func newInterface(key server.Key, conn net.Conn, logger log.Logger) *Interface {
	return &Interface{
		Key:       key,
		conn:      conn,
		log:       logger.New("server", key.String()),
		pending:   make(map[int64]chan *frame),
		state:     StateVerification,
		outNotify: make(chan *frame, 64),
	}
}

// run starts the read loop, blocking until a read fails or the connection
// is closed. It must be launched in its own goroutine by the pool manager.
func (iface *Interface) run(onClose func(*Interface, error)) {
	reader := bufio.NewReaderSize(iface.conn, 64*1024)
	var err error
	for {
		var line []byte
		line, err = reader.ReadBytes('\n')
		if err != nil {
			break
		}
		var f frame
		if uerr := json.Unmarshal(line, &f); uerr != nil {
			iface.log.Warn("discarding malformed frame", "err", uerr)
			continue
		}
		iface.dispatch(&f)
	}
	iface.shutdown()
	onClose(iface, err)
}

func (iface *Interface) dispatch(f *frame) {
	if f.isNotification() {
		select {
		case iface.outNotify <- f:
		default:
			iface.log.Warn("dropping notification, pool loop too slow", "method", f.Method)
		}
		return
	}
	iface.mu.Lock()
	ch, ok := iface.pending[*f.ID]
	if ok {
		delete(iface.pending, *f.ID)
	}
	iface.mu.Unlock()
	if !ok {
		iface.log.Warn("response for unknown id", "id", *f.ID)
		return
	}
	ch <- f
}

// send writes a JSON-RPC request and returns a channel that receives the
// single matching response frame.
func (iface *Interface) send(method string, params []any) (chan *frame, int64, error) {
	id := atomic.AddInt64(&iface.nextID, 1)
	ch := make(chan *frame, 1)

	iface.mu.Lock()
	if iface.closed {
		iface.mu.Unlock()
		return nil, 0, newErr(ErrDisconnected, "interface closed")
	}
	iface.pending[id] = ch
	iface.mu.Unlock()

	req := request{ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, wrapErr(ErrProtocol, "encode request", err)
	}
	body = append(body, '\n')

	iface.writeMu.Lock()
	iface.conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	_, werr := iface.conn.Write(body)
	iface.conn.SetWriteDeadline(time.Time{})
	iface.writeMu.Unlock()
	if werr != nil {
		iface.mu.Lock()
		delete(iface.pending, id)
		iface.mu.Unlock()
		return nil, 0, wrapErr(ErrDisconnected, "write request", werr)
	}
	return ch, id, nil
}

func (iface *Interface) shutdown() {
	iface.mu.Lock()
	if iface.closed {
		iface.mu.Unlock()
		return
	}
	iface.closed = true
	pending := iface.pending
	iface.pending = nil
	iface.mu.Unlock()

	iface.conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	close(iface.outNotify)
}

func (iface *Interface) String() string {
	return fmt.Sprintf("Interface(%s, state=%s, tip=%d)", iface.Key, iface.State(), iface.Tip())
}
