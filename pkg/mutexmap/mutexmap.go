// Per-key mutual exclusion over a dynamic key space. Used for serializing
// per-object state changes and for single-flighting downloads: whoever holds
// the key does the work, everyone else either waits or fast-fails.
package mutexmap

import (
	"context"
	"sync"
)

type M struct {
	mu    sync.Mutex
	locks map[string]chan struct{} // close of chan = unlock signal
}

func New() *M {
	return &M{
		locks: map[string]chan struct{}{},
	}
}

// Lock blocks until the key is acquired or ctx is done. The returned unlock
// must be called exactly once.
func (m *M) Lock(ctx context.Context, key string) (func(), error) {
	for {
		unlock, unlocked := m.tryLock(key)
		if unlock != nil {
			return unlock, nil
		}

		select {
		case <-unlocked:
			// released; race others for it on the next round
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryLock acquires the key only if free. ok=false means someone holds it;
// the caller is expected to bail with a concurrent-update error or skip the
// work, not spin.
func (m *M) TryLock(key string) (func(), bool) {
	unlock, _ := m.tryLock(key)
	return unlock, unlock != nil
}

func (m *M) tryLock(key string) (func(), chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if unlocked, held := m.locks[key]; held {
		return nil, unlocked
	}

	unlocked := make(chan struct{})
	m.locks[key] = unlocked

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.locks, key)
		close(unlocked)
	}, nil
}
