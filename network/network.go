package network

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/rt121212121/electrumsv/chain"
	"github.com/rt121212121/electrumsv/server"
)

// Options configures a Network instance.
type Options struct {
	Net    Net
	Store  chain.Store
	Config ConfigStore
	Proxy  *server.Proxy
	Logger log.Logger

	// MaxConnections bounds how many interfaces the pool keeps open
	// simultaneously (default 10, matching the original deployment).
	MaxConnections int

	// MaxOpenerWorkers bounds the async connection-opener pool (C5).
	MaxOpenerWorkers int
}

// Network is the top-level network core: it owns the connection pool, the
// header-sync drivers, the subscription registry and cache, and the
// public request surface (Send/SubscribeToScriptHashes/BroadcastTransaction/...).
type Network struct {
	opts Options
	log  log.Logger

	pool *poolManager
	subs *subscriptions
	bus  *EventBus

	metrics struct {
		connected  metrics.Gauge
		blacklisted metrics.Gauge
		reqTotal   metrics.Counter
		reqTimeout metrics.Counter
	}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Network ready to Start. It performs no I/O.
func New(opts Options) *Network {
	if opts.Logger == nil {
		opts.Logger = log.Root()
	}
	if opts.MaxConnections == 0 {
		opts.MaxConnections = 10
	}
	if opts.MaxOpenerWorkers == 0 {
		opts.MaxOpenerWorkers = 4
	}

	n := &Network{
		opts: opts,
		log:  opts.Logger.New("module", "network"),
		subs: newSubscriptions(),
		bus:  NewEventBus(),
	}
	n.metrics.connected = metrics.NewRegisteredGauge("network/interfaces/connected", nil)
	n.metrics.blacklisted = metrics.NewRegisteredGauge("network/servers/blacklisted", nil)
	n.metrics.reqTotal = metrics.NewRegisteredCounter("network/requests/total", nil)
	n.metrics.reqTimeout = metrics.NewRegisteredCounter("network/requests/timeout", nil)

	n.pool = newPoolManager(n, opts)
	return n
}

// On registers a handler for a lifecycle event (C9).
func (n *Network) On(kind EventKind, handler EventHandler) {
	n.bus.On(kind, handler)
}

// Emit publishes an event through the same bus On observes. The network
// core itself only ever emits EventStatus/EventUpdated/EventBanner/
// EventServers/EventInterfaces/EventNewHeader/EventRelayFee; Emit exists so the
// out-of-scope higher layers named in SPEC_FULL.md (Synchronizer,
// Verifier) can publish their own EventVerified/EventBlockchainUpdated
// pass-throughs without callers needing a second registration surface.
func (n *Network) Emit(kind EventKind, payload any) {
	n.bus.Emit(kind, payload)
}

// Start launches the pool manager's event loop and async opener workers.
// It returns once the loop goroutine has started; connections are made in
// the background.
func (n *Network) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.pool.run(ctx)
	}()
	return nil
}

// Stop signals the event loop to shut down and waits for it to exit.
func (n *Network) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// DefaultInterface returns the pool's current default interface, or nil if
// none is connected yet.
func (n *Network) DefaultInterface() *Interface {
	return n.pool.defaultInterface()
}

// Interfaces returns every currently connected interface.
func (n *Network) Interfaces() []*Interface {
	return n.pool.interfaces()
}
