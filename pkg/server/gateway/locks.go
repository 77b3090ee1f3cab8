package gateway

import (
	"context"
	"sync"

	"github.com/jacktea/blockgw/pkg/replication"
)

// pathLocks serializes writes to one path and remembers the replication
// handle of the last write, so the next write can wait for it.
type pathLocks struct {
	mu      sync.Mutex
	entries map[string]*pathEntry
}

type pathEntry struct {
	mu     sync.Mutex
	refs   int
	handle *replication.FileHandle
}

func (l *pathLocks) lock(path string) *pathEntry {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*pathEntry)
	}
	e := l.entries[path]
	if e == nil {
		e = &pathEntry{}
		l.entries[path] = e
	}
	e.refs++
	l.mu.Unlock()
	e.mu.Lock()
	return e
}

// unlock releases path and drops idle entries whose replication has
// drained.
func (l *pathLocks) unlock(path string, e *pathEntry, engine *replication.Engine) {
	e.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	for p, cur := range l.entries {
		if cur.refs == 0 && (engine == nil || engine.Running(cur.handle) == 0) {
			delete(l.entries, p)
		}
	}
}

// waitPrevious blocks until the replication of the previous write to the
// entry's path has been acknowledged by every replica server.
func (e *pathEntry) waitPrevious(ctx context.Context, engine *replication.Engine) error {
	if engine == nil || e.handle == nil {
		return nil
	}
	return engine.WaitForHandle(ctx, e.handle)
}
