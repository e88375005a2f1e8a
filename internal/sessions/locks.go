package sessions

import "sync"

// KeyLocks serializes agent turns per session key: two concurrent turns
// against one session would interleave transcript writes, so callers acquire
// the key's lock for the duration of a turn.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*keyLock)}
}

// Acquire blocks until the key's lock is held and returns the release
// function. Lock entries are dropped once the last holder releases, so the
// map stays bounded by in-flight turns rather than total sessions seen.
func (k *KeyLocks) Acquire(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
