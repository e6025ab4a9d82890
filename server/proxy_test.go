package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProxyNone(t *testing.T) {
	p, err := ParseProxy("none")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = ParseProxy("NONE")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = ParseProxy("")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestParseProxyDefaults(t *testing.T) {
	p, err := ParseProxy("socks5:1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, ProxySocks5, p.Mode)
	assert.Equal(t, "1.2.3.4", p.Host)
	assert.Equal(t, "1080", p.Port)

	p, err = ParseProxy("http:proxy.example.com")
	require.NoError(t, err)
	assert.Equal(t, "8080", p.Port)
}

func TestParseProxyFull(t *testing.T) {
	p, err := ParseProxy("socks4:1.2.3.4:9050:alice:secret")
	require.NoError(t, err)
	assert.Equal(t, ProxySocks4, p.Mode)
	assert.Equal(t, "1.2.3.4", p.Host)
	assert.Equal(t, "9050", p.Port)
	assert.Equal(t, "alice", p.User)
	assert.Equal(t, "secret", p.Password)
}

func TestProxyStringRoundTrip(t *testing.T) {
	s := "socks4:1.2.3.4:9050:alice:secret"
	p, err := ParseProxy(s)
	require.NoError(t, err)
	assert.Equal(t, s, p.String())
}

func TestParseProxyBadPort(t *testing.T) {
	_, err := ParseProxy("socks5:1.2.3.4:notaport")
	assert.Error(t, err)
}
