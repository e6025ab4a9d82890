package network

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/rt121212121/electrumsv/server"
)

func testNet() Net {
	return Net{
		Name:           "testnet",
		DefaultServers: []string{"boot1.example.com:50002:s"},
		DefaultPortTCP: "50001",
		DefaultPortTLS: "50002",
	}
}

func TestCandidateServersExcludesDisconnectedAndUnionsIrcServers(t *testing.T) {
	n := New(Options{Net: testNet(), Config: NewViperConfigStore(viper.New(), "")})

	boot, err := server.Parse("boot1.example.com:50002:s")
	require.NoError(t, err)
	irc, err := server.Parse("irc1.example.com:50002:s")
	require.NoError(t, err)

	n.pool.ircServers.Add(irc)
	got := n.pool.candidateServers()
	require.Contains(t, got, boot)
	require.Contains(t, got, irc)

	n.pool.disconnected.Add(boot)
	got = n.pool.candidateServers()
	require.NotContains(t, got, boot)
	require.Contains(t, got, irc)
}

func TestRetryDisconnectedClearsAfterInterval(t *testing.T) {
	n := New(Options{Net: testNet()})
	key, err := server.Parse("boot1.example.com:50002:s")
	require.NoError(t, err)

	n.pool.disconnected.Add(key)
	n.pool.lastNodesRetry = time.Now()
	n.pool.retryDisconnected()
	require.True(t, n.pool.disconnected.Contains(key))

	n.pool.lastNodesRetry = time.Now().Add(-nodesRetryInterval - time.Second)
	n.pool.retryDisconnected()
	require.False(t, n.pool.disconnected.Contains(key))
}

func TestPromoteRecentMovesKeyToFrontAndDedupes(t *testing.T) {
	n := New(Options{Net: testNet(), Config: NewViperConfigStore(viper.New(), "")})
	k1, err := server.Parse("host1:50002:s")
	require.NoError(t, err)
	k2, err := server.Parse("host2:50002:s")
	require.NoError(t, err)

	require.NoError(t, n.opts.Config.SetRecentServers([]server.Key{k1, k2}))
	n.pool.promoteRecent(k2)
	require.Equal(t, []server.Key{k2, k1}, n.opts.Config.RecentServers())
}

func TestRefillNoopsInOneServerModeWithAConnectionAlready(t *testing.T) {
	cfg := NewViperConfigStore(viper.New(), "")
	require.NoError(t, cfg.SetOneServer(true))
	n := New(Options{Net: testNet(), Config: cfg, MaxConnections: 10})
	require.True(t, n.pool.oneServer())

	iface := newBareInterface(t)
	n.pool.interfacesByKey[iface.Key] = iface

	// refill must not attempt any further dials once oneserver already
	// has its single connection; passing a nil context would panic inside
	// batchConnect if this branch failed to no-op.
	n.pool.refill(nil)
}

func TestParsePeerServersPrefersTLSOverTCP(t *testing.T) {
	raw := json.RawMessage(`[
		["1.2.3.4", "tls-and-tcp.example.com", ["t", "s50002", "v1.4"]],
		["1.2.3.5", "tcp-only.example.com", ["t"]],
		["1.2.3.6", "no-port.example.com", ["s"]]
	]`)

	keys := parsePeerServers(raw)
	require.Len(t, keys, 3)

	require.Equal(t, server.Key{Host: "tls-and-tcp.example.com", Port: "50002", Protocol: server.ProtocolTLS}, keys[0])
	require.Equal(t, server.Key{Host: "tcp-only.example.com", Port: "50001", Protocol: server.ProtocolTCP}, keys[1])
	require.Equal(t, server.Key{Host: "no-port.example.com", Port: "50002", Protocol: server.ProtocolTLS}, keys[2])
}

func TestParsePeerServersSkipsEntriesWithoutUsablePort(t *testing.T) {
	raw := json.RawMessage(`[["1.2.3.4", "no-usable-port.example.com", ["v1.4"]]]`)
	require.Empty(t, parsePeerServers(raw))
}

func TestParseRelayFeeConvertsCoinsToSatoshis(t *testing.T) {
	fee, err := parseRelayFee(json.RawMessage(`0.00001234`))
	require.NoError(t, err)
	require.Equal(t, int64(1234), int64(fee))
}
