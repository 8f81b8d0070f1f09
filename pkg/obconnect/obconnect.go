// Connectivity gate shared by the schedulers. Transport failures park work
// on WaitConnected instead of burning a retry budget; reconnecting releases
// every parked waiter at once.
package obconnect

import (
	"context"
	"sync"
)

type Gate struct {
	mu        sync.Mutex
	online    bool
	reconnect chan struct{} // closed on transition to online
}

func NewGate(online bool) *Gate {
	return &Gate{
		online:    online,
		reconnect: make(chan struct{}),
	}
}

func (g *Gate) Online() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.online
}

func (g *Gate) SetOnline(online bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if online == g.online {
		return
	}

	g.online = online

	if online {
		close(g.reconnect)
		g.reconnect = make(chan struct{})
	}
}

// WaitConnected returns immediately when online, otherwise blocks until the
// gate goes online or ctx is done.
func (g *Gate) WaitConnected(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.online {
			g.mu.Unlock()
			return nil
		}
		reconnect := g.reconnect
		g.mu.Unlock()

		select {
		case <-reconnect:
			// transitioned online; loop re-checks in case it flapped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
