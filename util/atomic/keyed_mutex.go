package atomic

import "sync"

type refLock struct {
	sync.RWMutex
	refs int
}

// KeyedRWMutex hands out one RWMutex per key. A key's lock is reclaimed once
// no goroutine holds or waits for it.
type KeyedRWMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func NewKeyedRWMutex() *KeyedRWMutex {
	return &KeyedRWMutex{
		locks: make(map[string]*refLock),
	}
}

func (m *KeyedRWMutex) acquire(key string) *refLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &refLock{}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedRWMutex) release(key string, l *refLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock locks key for writing and returns the matching unlock.
func (m *KeyedRWMutex) Lock(key string) func() {
	l := m.acquire(key)
	l.Lock()
	return func() {
		l.Unlock()
		m.release(key, l)
	}
}

// RLock locks key for reading and returns the matching unlock.
func (m *KeyedRWMutex) RLock(key string) func() {
	l := m.acquire(key)
	l.RLock()
	return func() {
		l.RUnlock()
		m.release(key, l)
	}
}

// Len is the number of keys currently locked or waited on.
func (m *KeyedRWMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
