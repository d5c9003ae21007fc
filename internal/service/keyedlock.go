package service

import (
	"sync"
)

// keyedMutex serialises writers per location. Entries are reference counted and
// removed when the last holder or waiter releases, so idle locations cost nothing.
type keyedMutex struct {
	mu    sync.Mutex         // protects locks
	locks map[int64]*refLock // location ID -> lock plus holder/waiter count
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[int64]*refLock),
	}
}

// Lock blocks until the caller holds the lock for id. Call the returned func exactly once to release.
func (k *keyedMutex) Lock(id int64) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// active returns the number of ids with a holder or waiter.
func (k *keyedMutex) active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
