package history

import (
	"context"
	"sync"
)

// keyedMutex hands out one channel-based mutex per key, so waiters can
// give up when their context ends. Entries are reference counted and
// dropped once no holder or waiter remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// ref returns the lock for key with one more reference.
func (m *keyedMutex) ref(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{} // Start unlocked.
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *keyedMutex) unref(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// lock acquires key. The returned func must be called once.
func (m *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	l := m.ref(key)
	unlock := func() {
		l.ch <- struct{}{}
		m.unref(key, l)
	}

	// Prefer an uncontended lock even if ctx is already done.
	select {
	case <-l.ch:
		return unlock, nil
	default:
	}

	select {
	case <-l.ch:
		return unlock, nil
	case <-ctx.Done():
		m.unref(key, l)
		return nil, ctx.Err()
	}
}

// tryLock acquires key only if nobody holds or waits for it.
func (m *keyedMutex) tryLock(key string) (func(), bool) {
	m.mu.Lock()
	if _, busy := m.locks[key]; busy {
		m.mu.Unlock()
		return nil, false
	}
	m.mu.Unlock()

	l := m.ref(key)
	select {
	case <-l.ch:
		return func() {
			l.ch <- struct{}{}
			m.unref(key, l)
		}, true
	default:
		m.unref(key, l)
		return nil, false
	}
}

// size returns the number of keys currently held or awaited.
func (m *keyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
