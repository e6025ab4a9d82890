package network

import (
	"context"
	"fmt"
	"net"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rt121212121/electrumsv/server"
)

// openResult is handed back to the pool loop once an async dial attempt
// finishes, success or failure.
type openResult struct {
	key  server.Key
	conn *Interface
	err  error
}

// opener runs bounded concurrent connection attempts and reports each
// outcome on results. It is the Go rendering of the original
// implementation's single-threaded select-based "pending connection"
// bookkeeping: here the blocking dial itself happens off the event-loop
// goroutine, and the loop only ever touches the results channel.
type opener struct {
	dialerFor func(key server.Key) Dialer
	logger    loggerFunc

	connecting mapset.Set[server.Key]
	results    chan openResult
	maxWorkers int
}

type loggerFunc func(msg string, ctx ...any)

func newOpener(maxWorkers int, dialerFor func(server.Key) Dialer, logger loggerFunc) *opener {
	return &opener{
		dialerFor:  dialerFor,
		logger:     logger,
		connecting: mapset.NewSet[server.Key](),
		results:    make(chan openResult, maxWorkers),
		maxWorkers: maxWorkers,
	}
}

// tryConnect launches an async dial for key if one is not already in
// flight. It never blocks.
func (o *opener) tryConnect(ctx context.Context, key server.Key, newIface func(server.Key, net.Conn) *Interface) {
	if !o.connecting.Add(key) {
		return
	}
	go func() {
		defer o.connecting.Remove(key)
		conn, err := o.dialerFor(key).Dial(key)
		if err != nil {
			o.results <- openResult{key: key, err: fmt.Errorf("connect %s: %w", key, err)}
			return
		}
		o.results <- openResult{key: key, conn: newIface(key, conn)}
	}()
}

// isConnecting reports whether key currently has an in-flight dial.
func (o *opener) isConnecting(key server.Key) bool {
	return o.connecting.Contains(key)
}

// batchConnect launches dials for every key in keys, bounding concurrency
// at o.maxWorkers via errgroup. Used when the pool needs to refill several
// slots at once (e.g. at startup).
func (o *opener) batchConnect(ctx context.Context, keys []server.Key, newIface func(server.Key, net.Conn) *Interface) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(o.maxWorkers)
	for _, key := range keys {
		key := key
		if !o.connecting.Add(key) {
			continue
		}
		go g.Go(func() error {
			defer o.connecting.Remove(key)
			conn, err := o.dialerFor(key).Dial(key)
			if err != nil {
				o.results <- openResult{key: key, err: fmt.Errorf("connect %s: %w", key, err)}
				return nil
			}
			o.results <- openResult{key: key, conn: newIface(key, conn)}
			return nil
		})
	}
	// Fire-and-forget: each g.Go call runs on its own goroutine (g.Go
	// waits there for a free worker slot) and batchConnect never calls
	// g.Wait(), so it returns at once and the pool loop keeps draining
	// o.results as connections complete rather than waiting for the
	// slowest one.
}
