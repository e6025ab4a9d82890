package network

import (
	"context"
	"encoding/json"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rt121212121/electrumsv/server"
)

// ConnectionStatus summarises the pool's view of overall connectivity for
// EventStatus observers, matching the original implementation's
// connection_status field.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusConnecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// lagTolerance is how many consecutive ticks the default interface may
// report a lower tip than the best connected peer before the pool makes
// that peer the default instead (the lagging interface stays connected),
// matching the original implementation's lagging-interface detection.
const lagTolerance = 3

// tickInterval is how often the pool loop re-evaluates connection health,
// tops up its connection count, and checks for a stuck default interface.
const tickInterval = 5 * time.Second

// nodesRetryInterval bounds how long a server stays excluded from
// candidateServers after a failed connection attempt: every interval the
// whole disconnected set is cleared and those servers become eligible
// again.
const nodesRetryInterval = 60 * time.Second

// recentServersCap bounds the persisted most-recently-used server list.
const recentServersCap = 20

// poolManager owns the single-threaded, cooperative event loop described
// in C8: a select-driven loop that serializes connection open/close and
// the pool's own bookkeeping through one goroutine, fed by channels rather
// than the original's reentrant per-interface lock. Subscription
// registration and outbound sends do not go through the loop: they run on
// the caller's goroutine under their own locks (subscriptions.mu,
// Interface.writeMu).
type poolManager struct {
	n    *Network
	opts Options

	blacklisted mapset.Set[server.Key]
	disconnected mapset.Set[server.Key]
	// ircServers holds peers learned from "server.peers.subscribe"
	// responses, supplementing Net.DefaultServers/Config.RecentServers as
	// a source of candidateServers.
	ircServers mapset.Set[server.Key]

	mu         sync.RWMutex
	interfacesByKey map[server.Key]*Interface
	defaultKey server.Key
	hasDefault bool

	lastNodesRetry time.Time

	opener *opener

	registerCh chan registerSub
	closedCh   chan closedIface
}

type registerSub struct {
	idx     string
	handler EventHandler
}

type closedIface struct {
	iface *Interface
	err   error
}

func newPoolManager(n *Network, opts Options) *poolManager {
	pm := &poolManager{
		n:               n,
		opts:            opts,
		blacklisted:     mapset.NewSet[server.Key](),
		disconnected:    mapset.NewSet[server.Key](),
		ircServers:      mapset.NewSet[server.Key](),
		interfacesByKey: make(map[server.Key]*Interface),
		registerCh:      make(chan registerSub, 16),
		closedCh:        make(chan closedIface, 16),
		lastNodesRetry:  time.Now(),
	}
	if opts.Config != nil {
		for _, k := range opts.Config.BlacklistedServers() {
			pm.blacklisted.Add(k)
		}
	}
	pm.opener = newOpener(opts.MaxOpenerWorkers, pm.dialerFor, pm.log)
	return pm
}

func (pm *poolManager) log(msg string, ctx ...any) {
	pm.n.log.Debug(msg, ctx...)
}

// blacklistServer adds key to the in-memory blacklist and persists the
// updated set to the config store, matching the original implementation's
// behaviour of writing the blacklist to disk immediately on a
// blacklist-worthy offence so it survives a restart.
func (pm *poolManager) blacklistServer(key server.Key) {
	pm.blacklisted.Add(key)
	pm.n.metrics.blacklisted.Update(int64(pm.blacklisted.Cardinality()))
	if pm.opts.Config == nil {
		return
	}
	if err := pm.opts.Config.SetBlacklistedServers(pm.blacklisted.ToSlice()); err != nil {
		pm.log("failed to persist blacklist", "server", key, "err", err)
	}
}

func (pm *poolManager) dialerFor(key server.Key) Dialer {
	certVerifier := pm.verifyPinnedCert
	if pm.opts.Proxy == nil {
		return NewDirectDialer(certVerifier)
	}
	switch pm.opts.Proxy.Mode {
	case server.ProxySocks4, server.ProxySocks5:
		return NewSocksDialer(pm.opts.Proxy, certVerifier)
	default:
		return NewHTTPConnectDialer(pm.opts.Proxy, certVerifier)
	}
}

// verifyPinnedCert implements certificate memorisation: the first
// successful TLS connection to a host pins its leaf certificate; later
// connections compare against the pin instead of walking a CA chain,
// mirroring the original client's acceptance of self-signed Electrum
// server certificates.
func (pm *poolManager) verifyPinnedCert(key server.Key, rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return newErr(ErrProtocol, "no certificate presented")
	}
	leaf := rawCerts[0]
	if pm.opts.Config == nil {
		return nil
	}
	if pinned, ok := pm.opts.Config.PinnedCert(key); ok {
		if !bytesEqual(pinned, leaf) {
			return newErr(ErrProtocol, "certificate changed for "+key.String())
		}
		return nil
	}
	return pm.opts.Config.SetPinnedCert(key, leaf)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (pm *poolManager) newIface(key server.Key, conn net.Conn) *Interface {
	return newInterface(key, conn, pm.n.opts.Logger)
}

// autoConnect reports whether the pool may choose its own default
// interface. With no config store wired, this defaults to true, matching
// the original implementation's config.get('auto_connect', True).
func (pm *poolManager) autoConnect() bool {
	if pm.opts.Config == nil {
		return true
	}
	return pm.opts.Config.AutoConnect()
}

// oneServer reports whether the pool should cap itself at a single
// connection instead of topping up to MaxConnections.
func (pm *poolManager) oneServer() bool {
	if pm.opts.Config == nil {
		return false
	}
	return pm.opts.Config.OneServer()
}

// candidateServers returns bootstrap, recently-used, and irc-announced
// servers not currently connected, connecting, disconnected, or
// blacklisted — the Net.DEFAULT_SERVERS ∪ recent ∪ irc_servers pool the
// pool draws new connections from.
func (pm *poolManager) candidateServers() []server.Key {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	eligible := func(key server.Key) bool {
		if _, connected := pm.interfacesByKey[key]; connected {
			return false
		}
		if pm.blacklisted.Contains(key) || pm.disconnected.Contains(key) || pm.opener.isConnecting(key) {
			return false
		}
		return true
	}

	var out []server.Key
	for _, s := range pm.opts.Net.DefaultServers {
		key, err := server.Parse(s)
		if err != nil {
			continue
		}
		if eligible(key) {
			out = append(out, key)
		}
	}
	if pm.opts.Config != nil {
		for _, key := range pm.opts.Config.RecentServers() {
			if eligible(key) {
				out = append(out, key)
			}
		}
	}
	for _, key := range pm.ircServers.ToSlice() {
		if eligible(key) {
			out = append(out, key)
		}
	}
	return out
}

func (pm *poolManager) defaultInterface() *Interface {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if !pm.hasDefault {
		return nil
	}
	return pm.interfacesByKey[pm.defaultKey]
}

func (pm *poolManager) interfaces() []*Interface {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*Interface, 0, len(pm.interfacesByKey))
	for _, iface := range pm.interfacesByKey {
		out = append(out, iface)
	}
	return out
}

// run is the single cooperative event loop: it owns all pool state and is
// the only goroutine that ever mutates interfacesByKey or defaultKey. The
// sync-state fields on each Interface are written by the per-interface
// goroutines it launches (sync steps, handshake, notification drainer).
func (pm *poolManager) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	pm.refill(ctx)

	for {
		select {
		case <-ctx.Done():
			pm.closeAll()
			return

		case res := <-pm.opener.results:
			pm.handleOpenResult(ctx, res)

		case closed := <-pm.closedCh:
			pm.handleClosed(closed)

		case reg := <-pm.registerCh:
			_ = reg // subscription registration already applied by requests.go; this
			// channel exists so future work can route registration through the
			// loop goroutine instead of subs' own mutex, without changing the
			// public API.

		case <-ticker.C:
			pm.tick(ctx)
		}
	}
}

// refill tops the pool up to MaxConnections, or to a single connection in
// oneserver mode (num_server = 0 in the original implementation: no
// top-up beyond whatever is already connected).
func (pm *poolManager) refill(ctx context.Context) {
	pm.mu.RLock()
	have := len(pm.interfacesByKey)
	pm.mu.RUnlock()

	limit := pm.opts.MaxConnections
	if pm.oneServer() {
		if have > 0 {
			return
		}
		limit = 1
	}
	need := limit - have
	if need <= 0 {
		return
	}
	candidates := pm.candidateServers()
	if len(candidates) > need {
		candidates = candidates[:need]
	}
	pm.opener.batchConnect(ctx, candidates, pm.newIface)
}

func (pm *poolManager) handleOpenResult(ctx context.Context, res openResult) {
	if res.err != nil {
		pm.log("connection attempt failed", "server", res.key, "err", res.err)
		pm.disconnected.Add(res.key)
		return
	}
	pm.disconnected.Remove(res.key)

	pm.mu.Lock()
	pm.interfacesByKey[res.key] = res.conn
	hadDefault := pm.hasDefault
	if !hadDefault {
		pm.defaultKey = res.key
		pm.hasDefault = true
	}
	pm.mu.Unlock()

	pm.promoteRecent(res.key)

	pm.n.metrics.connected.Update(int64(len(pm.interfacesByKey)))
	go res.conn.run(func(iface *Interface, err error) {
		pm.closedCh <- closedIface{iface: iface, err: err}
	})
	go pm.drainNotifications(res.conn)

	pm.n.bus.Emit(EventInterfaces, nil)
	if !hadDefault {
		pm.n.bus.Emit(EventStatus, StatusConnected)
	}
	go pm.handshake(ctx, res.conn)
}

// promoteRecent moves key to the front of the persisted most-recently-used
// server list, capped at recentServersCap, so a successful connection is
// preferred again on the next startup.
func (pm *poolManager) promoteRecent(key server.Key) {
	if pm.opts.Config == nil {
		return
	}
	existing := pm.opts.Config.RecentServers()
	out := make([]server.Key, 0, len(existing)+1)
	out = append(out, key)
	for _, k := range existing {
		if k == key {
			continue
		}
		out = append(out, k)
	}
	if len(out) > recentServersCap {
		out = out[:recentServersCap]
	}
	if err := pm.opts.Config.SetRecentServers(out); err != nil {
		pm.log("failed to persist recent servers", "server", key, "err", err)
	}
}

// drainNotifications processes unsolicited server pushes for iface: it
// dispatches every notification to the subscription registry (refreshing
// the cache and invoking any registered handler) and additionally tracks
// "blockchain.headers.subscribe" pushes to advance the interface's known
// tip outside of the once-per-tick sync step, firing EventNewHeader
// whenever the pushed height is greater than the interface's recorded tip.
func (pm *poolManager) drainNotifications(iface *Interface) {
	for f := range iface.outNotify {
		pm.n.subs.dispatch(f)
		if f.Method == "blockchain.headers.subscribe" {
			var params []struct {
				Height int32 `json:"height"`
			}
			if err := json.Unmarshal(f.Params, &params); err == nil && len(params) > 0 && params[0].Height > iface.Tip() {
				iface.SetTip(params[0].Height)
				pm.n.bus.Emit(EventNewHeader, iface)
			}
		}
	}
}

// handshake performs the initial request sequence once for each new
// connection: banner, donation address, peer list, relay fee, then clears
// the subscription cache so the new interface's notifications repopulate
// it fresh rather than serving stale cached values from a previous peer.
// It does not re-send active scripthash subscriptions, and it is not run
// again when the default interface changes.
func (pm *poolManager) handshake(ctx context.Context, iface *Interface) {
	for _, method := range []string{"server.banner", "server.donation_address", "server.peers.subscribe", "blockchain.relayfee"} {
		raw, err := pm.n.Send(ctx, iface, method, nil)
		if err != nil {
			pm.log("handshake step failed", "server", iface.Key, "method", method, "err", err)
			continue
		}
		switch method {
		case "server.banner":
			var banner string
			if json.Unmarshal(raw, &banner) == nil {
				pm.n.bus.Emit(EventBanner, banner)
			}
		case "server.peers.subscribe":
			for _, key := range parsePeerServers(raw) {
				pm.ircServers.Add(key)
			}
			pm.n.bus.Emit(EventServers, raw)
		case "blockchain.relayfee":
			if fee, err := parseRelayFee(raw); err == nil {
				pm.n.bus.Emit(EventRelayFee, fee)
			} else {
				pm.log("malformed relayfee response", "server", iface.Key, "err", err)
			}
		}
	}
	pm.n.subs.cache.clear()
	iface.SetState(StateVerification)
}

// peerFeaturePattern matches an Electrum peers.subscribe feature token: a
// protocol letter ('s' for TLS, 't' for plain TCP) followed by an optional
// port number, e.g. "s50002" or "t".
var peerFeaturePattern = regexp.MustCompile(`^([st])(\d*)$`)

// parsePeerServers decodes a "server.peers.subscribe" response into the
// set of servers it advertises, matching the original implementation's
// parse_servers: each entry is [ip, host, features...], and a server is
// only included if it advertises a TLS port (falling back to plain TCP if
// that's all it offers), preferring TLS like the rest of this dialer does
// by default.
func parsePeerServers(raw json.RawMessage) []server.Key {
	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	var out []server.Key
	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		var host string
		if err := json.Unmarshal(entry[1], &host); err != nil || host == "" {
			continue
		}
		var features []string
		if len(entry) > 2 {
			_ = json.Unmarshal(entry[2], &features)
		}

		ports := map[server.Protocol]string{}
		for _, f := range features {
			m := peerFeaturePattern.FindStringSubmatch(f)
			if m == nil {
				continue
			}
			proto := server.Protocol(m[1])
			port := m[2]
			if port == "" {
				port = proto.DefaultPort()
			}
			ports[proto] = port
		}

		if port, ok := ports[server.ProtocolTLS]; ok {
			out = append(out, server.Key{Host: host, Port: port, Protocol: server.ProtocolTLS})
		} else if port, ok := ports[server.ProtocolTCP]; ok {
			out = append(out, server.Key{Host: host, Port: port, Protocol: server.ProtocolTCP})
		}
	}
	return out
}

// parseRelayFee decodes a "blockchain.relayfee" response (a decimal coin
// amount such as 1.234e-5) into an integer satoshi fee via
// btcutil.Amount's NewAmount, which performs the round(value * COIN)
// conversion float arithmetic can't be trusted to do exactly.
func parseRelayFee(raw json.RawMessage) (btcutil.Amount, error) {
	var btc float64
	if err := json.Unmarshal(raw, &btc); err != nil {
		return 0, err
	}
	return btcutil.NewAmount(btc)
}

func (pm *poolManager) handleClosed(c closedIface) {
	pm.mu.Lock()
	delete(pm.interfacesByKey, c.iface.Key)
	wasDefault := pm.hasDefault && pm.defaultKey == c.iface.Key
	if wasDefault {
		pm.hasDefault = false
	}
	pm.mu.Unlock()

	pm.disconnected.Add(c.iface.Key)
	pm.n.metrics.connected.Update(int64(len(pm.interfacesByKey)))
	pm.log("interface closed", "server", c.iface.Key, "err", c.err)

	if wasDefault {
		if pm.autoConnect() {
			pm.electDefault()
		}
		if !pm.hasDefaultLocked() {
			pm.n.bus.Emit(EventStatus, StatusDisconnected)
		}
	}
	pm.n.bus.Emit(EventInterfaces, nil)
}

// hasDefaultLocked reports whether the pool currently has a default
// interface.
func (pm *poolManager) hasDefaultLocked() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.hasDefault
}

// electDefault picks the connected interface with the greatest tip as the
// new default, matching the original's preference for the most
// up-to-date peer.
func (pm *poolManager) electDefault() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var best *Interface
	for _, iface := range pm.interfacesByKey {
		if best == nil || iface.Tip() > best.Tip() {
			best = iface
		}
	}
	if best != nil {
		pm.defaultKey = best.Key
		pm.hasDefault = true
	}
}

// tick runs the periodic maintenance pass: refill connections, detect a
// default interface that has fallen behind its peers, and drive header
// sync for every connected interface. Each interface's sync step runs in
// its own goroutine (advanceSyncState guards against overlap per
// interface via iface.syncing) so a single slow peer's 20s request
// timeout never stalls the tick for the others, and never stalls the
// loop goroutine itself.
func (pm *poolManager) tick(ctx context.Context) {
	pm.retryDisconnected()
	pm.refill(ctx)
	if pm.autoConnect() {
		if !pm.hasDefaultLocked() {
			pm.electDefault()
		}
		pm.checkLagging()
	}
	for _, iface := range pm.interfaces() {
		iface := iface
		go advanceSyncState(ctx, pm.n, iface)
	}
}

// retryDisconnected clears the disconnected set every nodesRetryInterval,
// matching the original implementation's nodes_retry_time handling: a
// server that failed to connect is only excluded from candidateServers for
// the life of one interval, not permanently for the life of the process.
func (pm *poolManager) retryDisconnected() {
	if time.Since(pm.lastNodesRetry) < nodesRetryInterval {
		return
	}
	pm.disconnected.Clear()
	pm.lastNodesRetry = time.Now()
}

// checkLagging demotes the default interface if it has reported a lower
// tip than the best-known peer for lagTolerance consecutive ticks,
// electing the better peer as the new default instead. Only runs when
// autoConnect is enabled: with it disabled the pool must not silently
// switch away from whatever default interface is in place.
func (pm *poolManager) checkLagging() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.hasDefault {
		return
	}
	def := pm.interfacesByKey[pm.defaultKey]
	if def == nil {
		return
	}
	var best *Interface
	for _, iface := range pm.interfacesByKey {
		if best == nil || iface.Tip() > best.Tip() {
			best = iface
		}
	}
	if best == nil || best.Key == def.Key || best.Tip() <= def.Tip() {
		def.lagCount = 0
		return
	}
	def.lagCount++
	if def.lagCount >= lagTolerance {
		pm.defaultKey = best.Key
		def.lagCount = 0
	}
}

func (pm *poolManager) closeAll() {
	pm.mu.Lock()
	ifaces := make([]*Interface, 0, len(pm.interfacesByKey))
	for _, iface := range pm.interfacesByKey {
		ifaces = append(ifaces, iface)
	}
	pm.mu.Unlock()
	for _, iface := range ifaces {
		iface.shutdown()
	}
}
