package pipeline

import "sync"

// checkLocks serializes orchestrators per check id. The lock is advisory and
// in-process: ids are reserved by the creating orchestrator, so two writers
// for the same id can only exist inside one process (a retried request or the
// reconciler racing a late pipeline write).
type checkLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newCheckLocks() *checkLocks {
	return &checkLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for a check id and returns its release func.
// Entries are reference counted so the map does not grow with dead ids.
func (l *checkLocks) Lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &lockEntry{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
