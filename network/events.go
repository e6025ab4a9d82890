package network

import "sync"

// EventKind names the notifications the network core publishes about its
// own lifecycle, distinct from the Electrum method notifications relayed
// through subscriptions (see requests.go).
type EventKind string

const (
	// EventStatus fires whenever the pool's overall connection status
	// (connected/connecting/disconnected) changes.
	EventStatus EventKind = "status"

	// EventUpdated fires when an interface finishes CATCH_UP and its fork
	// becomes connectable, matching the original implementation's
	// "updated" notification.
	EventUpdated EventKind = "updated"

	// EventBanner fires once a connection's "server.banner" handshake
	// request returns.
	EventBanner EventKind = "banner"

	// EventServers fires when the known peer server list changes, e.g.
	// after a "server.peers.subscribe" response.
	EventServers EventKind = "servers"

	// EventInterfaces fires whenever an interface is added to or removed
	// from the connected set. A change of default interface made by the
	// periodic tick (lagging switch or election) does not fire it.
	EventInterfaces EventKind = "interfaces"

	// EventNewHeader fires when any interface's advertised tip advances.
	// Not one of the original implementation's named events, but useful
	// for higher layers that only care about tip movement rather than a
	// full catch-up completing.
	EventNewHeader EventKind = "new_header"

	// EventRelayFee fires once a connection's "blockchain.relayfee"
	// handshake request returns, carrying the server's minimum relay fee
	// as a btcutil.Amount (integer satoshis).
	EventRelayFee EventKind = "relayfee"

	// EventVerified and EventBlockchainUpdated are pass-through event
	// kinds: the network core never emits them itself, but higher layers
	// (the Synchronizer/Verifier jobs described as out of scope in
	// SPEC_FULL.md) publish through this same bus so observers only need
	// one registration surface.
	EventVerified          EventKind = "verified"
	EventBlockchainUpdated EventKind = "blockchain_updated"
)

// EventHandler receives event payloads. The payload type is documented per
// EventKind: EventNewHeader and EventUpdated carry *Interface, EventBanner
// carries the banner string, EventServers carries the raw
// "server.peers.subscribe" result (json.RawMessage), EventStatus carries a
// ConnectionStatus, EventRelayFee carries a btcutil.Amount,
// EventInterfaces carries no payload (nil).
type EventHandler func(payload any)

// EventBus is a plain synchronous, string-keyed publish/subscribe registry.
//
// The original implementation dispatches these notifications as direct
// synchronous callback invocations under a lock, not through a typed,
// reflection-based channel multiplexer. go-ethereum's event.Feed/TypeMux
// was considered and rejected for this role: Feed multiplexes by the
// static Go type of the payload pushed through a channel, whereas this
// bus keys on an application-level EventKind carrying heterogeneous
// payload types per kind, and callers expect same-goroutine, ordered
// delivery rather than fan-out through per-subscriber channels. Modelling
// that on Feed would need more adapter code than the bus itself.
type EventBus struct {
	mu       sync.Mutex
	handlers map[EventKind][]EventHandler
}

// NewEventBus returns an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventKind][]EventHandler)}
}

// On registers handler to be invoked whenever kind fires.
func (b *EventBus) On(kind EventKind, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// Emit invokes every handler registered for kind, in registration order.
// Handlers run synchronously on the caller's goroutine; the network core
// only ever calls Emit from its own event loop goroutine.
func (b *EventBus) Emit(kind EventKind, payload any) {
	b.mu.Lock()
	handlers := make([]EventHandler, len(b.handlers[kind]))
	copy(handlers, b.handlers[kind])
	b.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}
