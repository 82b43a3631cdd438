// Package syncutil provides per-key locking for long-running work.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex provides one channel-based mutex per key. Keys never share a
// lock, so a long-held key cannot stall an unrelated one. Entries are freed
// once no holder or waiter references them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates a new keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.ref(key)
	select {
	case <-l.ch:
		return m.unlocker(key, l), nil
	case <-ctx.Done():
		m.unref(key, l)
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	l := m.ref(key)
	select {
	case <-l.ch:
		return m.unlocker(key, l), true
	default:
		m.unref(key, l)
		return nil, false
	}
}

// Held reports whether key is currently locked.
func (m *KeyedMutex) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	return ok && len(l.ch) == 0
}

func (m *KeyedMutex) ref(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{} // Start unlocked.
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) unref(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *KeyedMutex) unlocker(key string, l *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.ch <- struct{}{}
			m.unref(key, l)
		})
	}
}
