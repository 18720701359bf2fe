package services

import "sync"

// threadLocks hands out one RW lock per thread id. Entries are dropped when
// the last holder releases them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sync.RWMutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: map[string]*threadLock{}}
}

func (k *threadLocks) get(id string) *threadLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[id]
	if !ok {
		l = &threadLock{}
		k.locks[id] = l
	}
	l.refs++
	return l
}

func (k *threadLocks) put(id string, l *threadLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

// Lock takes the writer side for id and returns its release.
func (k *threadLocks) Lock(id string) func() {
	l := k.get(id)
	l.Lock()
	return func() {
		l.Unlock()
		k.put(id, l)
	}
}

// RLock takes the reader side for id and returns its release.
func (k *threadLocks) RLock(id string) func() {
	l := k.get(id)
	l.RLock()
	return func() {
		l.RUnlock()
		k.put(id, l)
	}
}

func (k *threadLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
