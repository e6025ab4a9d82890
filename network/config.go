package network

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"

	"github.com/rt121212121/electrumsv/server"
)

// ConfigStore persists the small amount of state the pool manager needs
// across restarts: the server blacklist, the most recently used servers
// (preferred on the next startup), and pinned TLS certificates recorded
// from prior successful connections to self-signed servers.
type ConfigStore interface {
	BlacklistedServers() []server.Key
	SetBlacklistedServers(keys []server.Key) error

	RecentServers() []server.Key
	SetRecentServers(keys []server.Key) error

	PinnedCert(key server.Key) ([]byte, bool)
	SetPinnedCert(key server.Key, der []byte) error

	// AutoConnect reports whether the pool may replace its default
	// interface on its own, electing the connected peer with the greatest
	// tip when the default disconnects or lags. Defaults to true.
	AutoConnect() bool
	SetAutoConnect(on bool) error

	// OneServer reports whether the pool should maintain a single
	// connection instead of topping up to MaxConnections.
	OneServer() bool
	SetOneServer(on bool) error
}

// ViperConfigStore is a ConfigStore backed by a single viper instance,
// matching the way the rest of this module's ambient configuration is
// loaded (see cmd/netcored). Keys are namespaced under "network.*" so the
// same viper instance can carry unrelated top-level application config.
type ViperConfigStore struct {
	mu sync.Mutex
	v  *viper.Viper
	// path is the file viper.WriteConfig persists to; empty means
	// in-memory only (e.g. under test).
	path string
}

// NewViperConfigStore wraps v, persisting to path on every mutation. If
// path is empty, writes are skipped and the store behaves as in-memory.
func NewViperConfigStore(v *viper.Viper, path string) *ViperConfigStore {
	return &ViperConfigStore{v: v, path: path}
}

func (c *ViperConfigStore) BlacklistedServers() []server.Key {
	return c.readKeys("network.blacklisted_servers")
}

func (c *ViperConfigStore) SetBlacklistedServers(keys []server.Key) error {
	return c.writeKeys("network.blacklisted_servers", keys)
}

func (c *ViperConfigStore) RecentServers() []server.Key {
	return c.readKeys("network.recent_servers")
}

func (c *ViperConfigStore) SetRecentServers(keys []server.Key) error {
	return c.writeKeys("network.recent_servers", keys)
}

func (c *ViperConfigStore) AutoConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.v.IsSet("network.auto_connect") {
		return true
	}
	return c.v.GetBool("network.auto_connect")
}

func (c *ViperConfigStore) SetAutoConnect(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.Set("network.auto_connect", on)
	return c.persistLocked()
}

func (c *ViperConfigStore) OneServer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetBool("network.oneserver")
}

func (c *ViperConfigStore) SetOneServer(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.Set("network.oneserver", on)
	return c.persistLocked()
}

func (c *ViperConfigStore) PinnedCert(key server.Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := c.v.GetString("network.pinned_certs." + certConfigKey(key))
	if raw == "" {
		return nil, false
	}
	return []byte(raw), true
}

func (c *ViperConfigStore) SetPinnedCert(key server.Key, der []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.Set("network.pinned_certs."+certConfigKey(key), string(der))
	return c.persistLocked()
}

func (c *ViperConfigStore) readKeys(configKey string) []server.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := c.v.GetStringSlice(configKey)
	out := make([]server.Key, 0, len(raw))
	for _, s := range raw {
		k, err := server.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (c *ViperConfigStore) writeKeys(configKey string, keys []server.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = k.String()
	}
	c.v.Set(configKey, raw)
	return c.persistLocked()
}

func (c *ViperConfigStore) persistLocked() error {
	if c.path == "" {
		return nil
	}
	if err := c.v.WriteConfigAs(c.path); err != nil {
		return fmt.Errorf("persist config to %s: %w", c.path, err)
	}
	return nil
}

func certConfigKey(key server.Key) string {
	return key.Host + "_" + key.Port
}
