package chat

import "sync"

// groupLocks hands out one mutex per group so appends to a group are published in
// the order they were persisted. It only orders this process; store.GroupLocker
// orders instances sharing a database.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	sync.Mutex
	refs int
}

func newGroupLocks() *groupLocks {
	return &groupLocks{locks: make(map[string]*groupLock)}
}

func (g *groupLocks) lock(groupID string) func() {
	g.mu.Lock()
	l, ok := g.locks[groupID]
	if !ok {
		l = &groupLock{}
		g.locks[groupID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, groupID)
		}
		g.mu.Unlock()
	}
}
