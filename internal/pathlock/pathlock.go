// Package pathlock implements the path-set lock from spec.md §4.2: the
// serialization primitive Nightfort uses when two Ranger connections race to
// create the same leaf node. It is deliberately not a fair queue -- callers
// hold a lock only long enough to perform an idempotent find-or-create.
package pathlock

import (
	"sync"
	"time"
)

// Set is a single mutex-protected set of dotted paths.
type Set struct {
	mu    sync.Mutex
	held  map[string]struct{}
}

// New creates an empty lock set.
func New() *Set {
	return &Set{held: make(map[string]struct{})}
}

// TryLock attempts to insert every path in paths. On the first collision it
// rolls back every path already inserted by this call and returns the
// colliding path. The operation is all-or-nothing: either every path in
// paths ends up held, or none of them do.
func (s *Set) TryLock(paths []string) (locked bool, failedPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, exists := s.held[p]; exists {
			for _, done := range inserted {
				delete(s.held, done)
			}
			return false, p
		}
		s.held[p] = struct{}{}
		inserted = append(inserted, p)
	}
	return true, ""
}

// Unlock removes every path in paths from the lock set.
func (s *Set) Unlock(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		delete(s.held, p)
	}
}

// TryGetLocked performs one TryLock; if it fails, it sleeps retry and tries
// once more, returning whether the second attempt succeeded and (on
// failure) the path that collided.
func (s *Set) TryGetLocked(paths []string, retry time.Duration) (locked bool, failedPath string) {
	locked, failedPath = s.TryLock(paths)
	if locked {
		return true, ""
	}
	time.Sleep(retry)
	return s.TryLock(paths)
}
