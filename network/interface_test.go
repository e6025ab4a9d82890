package network

import (
	"net"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/rt121212121/electrumsv/server"
)

func newBareInterface(t *testing.T) *Interface {
	t.Helper()
	client, remote := net.Pipe()
	t.Cleanup(func() { client.Close(); remote.Close() })
	return newInterface(server.Key{Host: "x", Port: "1", Protocol: server.ProtocolTCP}, client, log.Root())
}

func TestInterfaceStateAndTipAccessors(t *testing.T) {
	iface := newBareInterface(t)
	require.Equal(t, StateVerification, iface.State())
	require.Equal(t, int32(0), iface.Tip())

	iface.SetState(StateBinary)
	iface.SetTip(1234)
	require.Equal(t, StateBinary, iface.State())
	require.Equal(t, int32(1234), iface.Tip())
}

// TestInterfaceStateAccessorsAreRaceSafe exercises State/Tip from many
// goroutines at once the way drainNotifications and a sync-driver step can
// run concurrently in production; it only demonstrates absence of data
// races under -race, not a behavioral property.
func TestInterfaceStateAccessorsAreRaceSafe(t *testing.T) {
	iface := newBareInterface(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			iface.SetTip(int32(i))
		}()
		go func() {
			defer wg.Done()
			_ = iface.Tip()
			_ = iface.State()
		}()
	}
	wg.Wait()
}

func TestInterfaceSyncingGuardPreventsOverlap(t *testing.T) {
	iface := newBareInterface(t)

	require.True(t, iface.syncing.CompareAndSwap(false, true))
	require.False(t, iface.syncing.CompareAndSwap(false, true))

	iface.syncing.Store(false)
	require.True(t, iface.syncing.CompareAndSwap(false, true))
}

func TestInterfaceStringIncludesStateAndTip(t *testing.T) {
	iface := newBareInterface(t)
	iface.SetState(StateCatchUp)
	iface.SetTip(42)
	require.Contains(t, iface.String(), "catch_up")
	require.Contains(t, iface.String(), "42")
}
