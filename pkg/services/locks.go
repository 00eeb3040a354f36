package services

import "sync"

// shotLocks serializes mutations per shot. Entries are dropped once no
// caller holds or waits for them.
type shotLocks struct {
	mu    sync.Mutex
	locks map[string]*shotLock
}

type shotLock struct {
	mu   sync.Mutex
	refs int
}

func newShotLocks() *shotLocks {
	return &shotLocks{locks: make(map[string]*shotLock)}
}

// lock blocks until the shot is free and returns its unlock function.
func (l *shotLocks) lock(shotID string) func() {
	l.mu.Lock()

	entry, ok := l.locks[shotID]
	if !ok {
		entry = &shotLock{}
		l.locks[shotID] = entry
	}

	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		defer l.mu.Unlock()

		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, shotID)
		}
	}
}

func (l *shotLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
