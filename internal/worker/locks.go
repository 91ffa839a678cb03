package worker

import (
	"context"
	"fmt"
	"sync"
)

// identityLocks hands out one mutex per identity key. Entries are dropped once
// no caller holds or waits on them.
type identityLocks struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	held chan struct{}
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[string]*identityLock)}
}

// lock blocks until key is free or ctx is done. The returned func releases it.
func (l *identityLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &identityLock{held: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.held <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, entry)
		return nil, fmt.Errorf("wait for identity %s: %w", key, ctx.Err())
	}
	return func() {
		<-entry.held
		l.drop(key, entry)
	}, nil
}

func (l *identityLocks) drop(key string, entry *identityLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// size reports how many keys are tracked.
func (l *identityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
