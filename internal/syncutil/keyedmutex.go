package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one channel-based mutex per key, so waiters can give
// up when their context ends. Entries are reference counted and dropped once
// nobody holds or waits on them. Distinct keys never share a lock, so
// callers may nest locks on different keys as long as they take them in a
// consistent order.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function that the caller MUST call; extra
// calls are no-ops. On cancellation it returns the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	e := m.acquire(key)

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				m.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *KeyedMutex) acquire(key string) *keyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) release(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}
