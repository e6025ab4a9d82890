package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionIndex(t *testing.T) {
	assert.Equal(t, "server.banner", subscriptionIndex("server.banner", nil))
	assert.Equal(t, "blockchain.scripthash.subscribe:abcd", subscriptionIndex("blockchain.scripthash.subscribe", []any{"abcd"}))
}

func TestSanitizeBroadcastMessage(t *testing.T) {
	cases := map[string]string{
		"257: txn-already-in-mempool":        "it already exists in the server's mempool",
		"258: txn-mempool-conflict":          "it conflicts with one already in the server's mempool",
		"66: insufficient priority":          "insufficient fees or priority",
		"some unrecognized server error":     "reason unknown",
		"64: dust":                           `very small "dust" payments`,
		"16: bad-txns-inputs-spent":          "missing, already-spent, or otherwise invalid coins",
	}
	for raw, want := range cases {
		assert.Equal(t, want, sanitizeBroadcastMessage(raw), raw)
	}
}

func TestSubscriptionsRegisterFansOutToAllCallbacks(t *testing.T) {
	subs := newSubscriptions()
	idx := subscriptionIndex("blockchain.scripthash.subscribe", []any{"idx-arg"})
	var firstCalled, secondCalled bool
	subs.register(idx, func(any) { firstCalled = true })
	subs.register(idx, func(any) { secondCalled = true })

	subs.dispatch(&frame{Method: "blockchain.scripthash.subscribe", Params: []byte(`["idx-arg","value"]`)})

	require.True(t, firstCalled)
	require.True(t, secondCalled)

	err := subs.unregister(idx)
	require.NoError(t, err)

	err = subs.unregister(idx)
	require.Error(t, err)
}

func TestSubCachePutGetClear(t *testing.T) {
	c := newSubCache()
	_, ok := c.get("x")
	require.False(t, ok)

	c.put("x", []byte(`"value"`))
	v, ok := c.get("x")
	require.True(t, ok)
	assert.Equal(t, `"value"`, string(v))

	c.clear()
	_, ok = c.get("x")
	require.False(t, ok)
}
