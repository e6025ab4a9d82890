package network

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/rt121212121/electrumsv/server"
)

func TestViperConfigStoreRecentServersRoundTrip(t *testing.T) {
	v := viper.New()
	store := NewViperConfigStore(v, "") // in-memory, no file writes

	k1, err := server.Parse("host1:50002:s")
	require.NoError(t, err)
	k2, err := server.Parse("host2:50001:t")
	require.NoError(t, err)

	require.NoError(t, store.SetRecentServers([]server.Key{k1, k2}))
	got := store.RecentServers()
	require.Equal(t, []server.Key{k1, k2}, got)
}

func TestViperConfigStoreAutoConnectDefaultsTrue(t *testing.T) {
	v := viper.New()
	store := NewViperConfigStore(v, "")
	require.True(t, store.AutoConnect())

	require.NoError(t, store.SetAutoConnect(false))
	require.False(t, store.AutoConnect())
}

func TestViperConfigStoreOneServerDefaultsFalse(t *testing.T) {
	v := viper.New()
	store := NewViperConfigStore(v, "")
	require.False(t, store.OneServer())

	require.NoError(t, store.SetOneServer(true))
	require.True(t, store.OneServer())
}

func TestViperConfigStorePinnedCert(t *testing.T) {
	v := viper.New()
	store := NewViperConfigStore(v, "")
	k, err := server.Parse("host1:50002:s")
	require.NoError(t, err)

	_, ok := store.PinnedCert(k)
	require.False(t, ok)

	require.NoError(t, store.SetPinnedCert(k, []byte{0x01, 0x02, 0x03}))
	der, ok := store.PinnedCert(k)
	require.True(t, ok)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, der)
}
