package app

import "sync"

// keyedMutex serializes read-modify-write cycles per session id. Without it,
// two concurrent saves of the same session degrade to last-write-wins.
//
// Entries are refcounted and evicted once the last holder releases, so
// deleted sessions do not leave mutexes behind for the process lifetime.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*lockEntry{}}
}

// lock blocks until the id's mutex is held and returns the release func.
func (k *keyedMutex) lock(id string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// held reports how many ids currently have live entries.
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
