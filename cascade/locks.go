package cascade

import "sync"

// branchLocks serializes cascade invocations per project branch.
// Entries are reference counted so idle keys do not accumulate.
type branchLocks struct {
	mu      sync.Mutex
	entries map[string]*branchLock
}

type branchLock struct {
	mu   sync.Mutex
	refs int
}

func newBranchLocks() *branchLocks {
	return &branchLocks{entries: make(map[string]*branchLock)}
}

// acquire blocks until the branch identified by key is exclusively
// held and returns the release function.
func (l *branchLocks) acquire(key string) func() {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &branchLock{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
