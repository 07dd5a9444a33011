package orchestrator

import "sync"

// keyedLock serializes operations per module name. Entries are refcounted so
// the table never grows past the set of names currently in use.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until the lock for key is held by the caller.
func (k *keyedLock) Acquire(key string) {
	k.mu.Lock()
	e := k.entry(key)
	e.refs++
	k.mu.Unlock()
	e.mu.Lock()
}

// TryAcquire takes the lock for key without blocking. It reports false when
// another operation on the same key is in flight.
func (k *keyedLock) TryAcquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.entry(key)
	if !e.mu.TryLock() {
		if e.refs == 0 {
			delete(k.locks, key)
		}
		return false
	}
	e.refs++
	return true
}

// Release releases the lock for key. The caller must hold it.
func (k *keyedLock) Release(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
	e.mu.Unlock()
}

// entry must be called with k.mu held.
func (k *keyedLock) entry(key string) *lockEntry {
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	return e
}
