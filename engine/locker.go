package engine

import (
	"strings"
	"sync"
)

// runLocker serializes invocations of the same run inside one process.
type runLocker struct {
	mu    sync.Mutex
	locks map[string]*runLockRef
}

type runLockRef struct {
	mu   sync.Mutex
	refs int
}

func newRunLocker() *runLocker {
	return &runLocker{
		locks: make(map[string]*runLockRef),
	}
}

func (l *runLocker) Lock(key string) func() {
	if l == nil {
		return func() {}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return func() {}
	}
	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok || ref == nil {
		ref = &runLockRef{}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *runLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
