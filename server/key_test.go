package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"electrumx.bitcoinsv.io:50002:s",
		"node1.example.com:50001:t",
		"127.0.0.1:50002:s",
		"::1:50001:t",
	}
	for _, s := range cases {
		key, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, key.String())
		assert.Equal(t, s, Serialize(key.Host, key.Port, key.Protocol))
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"missing-protocol:50001",
		"bad-port:abc:s",
		"bad-protocol:50001:x",
		":50001:s",
		"host:0:s",
		"host:70000:s",
	}
	for _, s := range cases {
		_, err := Parse(s)
		var perr *ParseError
		assert.ErrorAs(t, err, &perr, s)
	}
}

func TestProtocolDefaultPort(t *testing.T) {
	assert.Equal(t, "50001", ProtocolTCP.DefaultPort())
	assert.Equal(t, "50002", ProtocolTLS.DefaultPort())
}

func TestKeyAsMapKey(t *testing.T) {
	m := map[Key]bool{}
	k1, _ := Parse("host:50001:t")
	k2, _ := Parse("host:50001:t")
	m[k1] = true
	assert.True(t, m[k2])
}
