package network

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// Timeouts mirror the original implementation's hard-coded values: a
// request the pool loop issues on a caller's behalf gets 20s before it is
// abandoned, while a caller blocked in SynchronousGet gets the more
// generous 30s to account for the extra hop through the loop's queue.
const (
	requestTimeout   = 20 * time.Second
	synchronousDelay = 30 * time.Second
)

// cacheEntry stores the last notification payload seen for a given
// subscription index, so a late subscriber (or a synchronous call keyed
// to an already-subscribed index) can be answered without a round trip.
type cacheEntry struct {
	result json.RawMessage
}

// subCache is the subscription result cache described in C6: keyed by
// subscriptionIndex, refreshed on every notification, consulted before
// issuing a fresh request.
type subCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newSubCache() *subCache {
	return &subCache{entries: make(map[string]cacheEntry)}
}

func (c *subCache) get(idx string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[idx]
	if !ok {
		return nil, false
	}
	return e.result, true
}

func (c *subCache) put(idx string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[idx] = cacheEntry{result: result}
}

func (c *subCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Send issues an RPC to the given interface and waits for a response up to
// requestTimeout, or up to ctx's deadline when that is later, or until ctx
// is cancelled. It is the primitive every other request helper in this
// file builds on.
func (n *Network) Send(ctx context.Context, iface *Interface, method string, params []any) (json.RawMessage, error) {
	ch, _, err := iface.send(method, params)
	if err != nil {
		return nil, err
	}

	wait := requestTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) > wait {
		wait = time.Until(deadline)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, newErr(ErrDisconnected, "connection closed awaiting response")
		}
		if f.Error != nil {
			return nil, wrapErr(ErrRPC, "server error", f.Error)
		}
		return f.Result, nil
	case <-timer.C:
		return nil, newErr(ErrTimeout, method+" timed out")
	case <-ctx.Done():
		return nil, wrapErr(ErrTimeout, method+" cancelled", ctx.Err())
	}
}

// SynchronousGet behaves like Send but against the default interface,
// consulting the subscription cache first and applying the longer
// synchronousDelay bound used by callers outside the event loop.
func (n *Network) SynchronousGet(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	idx := subscriptionIndex(method, params)
	if cached, ok := n.subs.cache.get(idx); ok {
		return cached, nil
	}

	iface := n.pool.defaultInterface()
	if iface == nil {
		return nil, newErr(ErrNoInterface, "no default interface")
	}

	ctx, cancel := context.WithTimeout(ctx, synchronousDelay)
	defer cancel()
	return n.Send(ctx, iface, method, params)
}

// SubscribeToScriptHashes registers interest in a set of scripthashes,
// routing future notifications to handler via the subscription index. A
// scripthash already subscribed by another caller is answered from the
// cache immediately, with no second "blockchain.scripthash.subscribe"
// round trip: the server already knows it is subscribed, and the cached
// result is the same value a fresh subscribe would return.
func (n *Network) SubscribeToScriptHashes(ctx context.Context, scriptHashesHex []string, handler EventHandler) error {
	for _, sh := range scriptHashesHex {
		idx := subscriptionIndex("blockchain.scripthash.subscribe", []any{sh})
		n.subs.register(idx, handler)

		if cached, ok := n.subs.cache.get(idx); ok {
			handler(cached)
			continue
		}

		iface := n.pool.defaultInterface()
		if iface == nil {
			return newErr(ErrNoInterface, "no default interface")
		}
		raw, err := n.Send(ctx, iface, "blockchain.scripthash.subscribe", []any{sh})
		if err != nil {
			return err
		}
		n.subs.cache.put(idx, raw)
	}
	return nil
}

// Unsubscribe removes a previously registered scripthash subscription.
func (n *Network) Unsubscribe(scriptHashHex string) error {
	idx := subscriptionIndex("blockchain.scripthash.subscribe", []any{scriptHashHex})
	return n.subs.unregister(idx)
}

// subscriptions tracks the active method+param -> callback-list mapping
// and the result cache those notifications populate. Multiple callers can
// subscribe to the same index (e.g. two wallets watching the same
// scripthash); every registered handler for an index is invoked on
// dispatch, fanning out a single server notification to all of them.
type subscriptions struct {
	mu       sync.Mutex
	handlers map[string][]EventHandler
	cache    *subCache
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		handlers: make(map[string][]EventHandler),
		cache:    newSubCache(),
	}
}

// register appends handler to idx's callback list. It never errors:
// subscribing a second caller to an already-subscribed index is the
// normal fan-out case, not a conflict.
func (s *subscriptions) register(idx string, handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[idx] = append(s.handlers[idx], handler)
}

// unregister drops every callback registered for idx. The public
// Unsubscribe surface identifies a subscription by scripthash alone, not
// by callback, so it tears down the whole index rather than one entry in
// its list.
func (s *subscriptions) unregister(idx string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[idx]; !exists {
		return newErr(ErrNotSubscribed, idx)
	}
	delete(s.handlers, idx)
	return nil
}

// dispatch delivers a notification frame to every handler registered for
// its subscription index, and refreshes the cache entry for that index.
//
// A notification carries its payload in "params", not "result" (unlike a
// response): [subscribed-arg..., new-value]. The cache and every
// registered handler are fed the final positional argument, matching the
// original implementation's rewriting of a notification into the same
// shape a synchronous call's response would have had.
func (s *subscriptions) dispatch(f *frame) {
	var params []json.RawMessage
	_ = json.Unmarshal(f.Params, &params)

	var keyParams []any
	_ = json.Unmarshal(f.Params, &keyParams)
	idx := subscriptionIndex(f.Method, keyParams)

	var payload json.RawMessage
	if len(params) > 0 {
		payload = params[len(params)-1]
	}
	s.cache.put(idx, payload)

	s.mu.Lock()
	handlers := append([]EventHandler(nil), s.handlers[idx]...)
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(payload)
	}
}

// broadcastRejectReasons maps substrings of a "sendrawtransaction" error
// message onto a short user-facing reason, matching the original
// implementation's sanitized_broadcast_message table. The table is
// ordered; the first matching substring wins.
var broadcastRejectReasons = []struct {
	substr string
	reason string
}{
	{"dust", `very small "dust" payments`},
	{"missing inputs", "missing, already-spent, or otherwise invalid coins"},
	{"inputs unavailable", "missing, already-spent, or otherwise invalid coins"},
	{"bad-txns-inputs-spent", "missing, already-spent, or otherwise invalid coins"},
	{"insufficient priority", "insufficient fees or priority"},
	{"bad-txns-premature-spend-of-coinbase", "attempt to spend an unmatured coinbase"},
	{"txn-already-in-mempool", "it already exists in the server's mempool"},
	{"txn-already-known", "it already exists in the server's mempool"},
	{"txn-mempool-conflict", "it conflicts with one already in the server's mempool"},
	{"bad-txns-nonstandard-inputs", "use of non-standard input scripts"},
	{"absurdly-high-fee", "fee is absurdly high"},
	{"non-mandatory-script-verify-flag", "the script fails verification"},
	{"tx-size", "transaction is too large"},
	{"scriptsig-size", "it contains an oversized script"},
	{"scriptpubkey", "it contains a non-standard signature"},
	{"bare-multisig", "it contains a bare multisig input"},
	{"multi-op-return", "it contains more than 1 OP_RETURN input"},
	{"scriptsig-not-pushonly", "a scriptsig is not simply data"},
	{"bad-txns-nonfinal", "transaction is not final"},
}

// sanitizeBroadcastMessage maps a raw server error string onto the short
// reason a caller should show a user, falling back to "reason unknown" when
// no known substring matches, matching the original implementation's
// sanitized_broadcast_message.
func sanitizeBroadcastMessage(raw string) string {
	lower := strings.ToLower(raw)
	for _, rule := range broadcastRejectReasons {
		if strings.Contains(lower, rule.substr) {
			return rule.reason
		}
	}
	return "reason unknown"
}

// BroadcastTransaction submits a raw transaction via
// "blockchain.transaction.broadcast". Per the documented Open Question
// resolution, a request timeout here is reported as (false, "timeout")
// rather than surfaced as an error: the original implementation treats a
// broadcast whose outcome we never learned as indeterminate, not failed,
// and callers are expected to check again rather than retry blindly.
func (n *Network) BroadcastTransaction(ctx context.Context, rawTxHex string) (bool, string) {
	result, err := n.SynchronousGet(ctx, "blockchain.transaction.broadcast", []any{rawTxHex})
	if err != nil {
		if isTimeout(err) {
			return false, "timeout"
		}
		return false, sanitizeBroadcastMessage(err.Error())
	}
	var txid string
	if jerr := json.Unmarshal(result, &txid); jerr != nil || txid == "" {
		return false, sanitizeBroadcastMessage(string(result))
	}
	return true, txid
}

func isTimeout(err error) bool {
	var ne *NetError
	return errors.As(err, &ne) && ne.Kind == ErrTimeout
}
