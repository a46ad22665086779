// Package keylock provides a per-key mutex: writers on the same key are
// serialized while different keys stay fully concurrent.
package keylock

import "sync"

// KeyLock holds one mutex per in-use key. Entries are reference-counted and
// removed when idle so the map doesn't grow with every key ever locked.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking while another holder has it.
func (k *KeyLock) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyLock) Unlock(key string) {
	k.mu.Lock()
	e := k.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
