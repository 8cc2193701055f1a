package server

import "sync"

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// LockRegistry serializes turns per session. Locks are reference counted
// so idle sessions leave no entry behind.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the session lock is held and returns the release
// function.
func (r *LockRegistry) Acquire(sessionID string) func() {
	r.mu.Lock()
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		r.locks[sessionID] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			lock.mu.Unlock()
			r.mu.Lock()
			lock.refs--
			if lock.refs == 0 {
				delete(r.locks, sessionID)
			}
			r.mu.Unlock()
		})
	}
}
