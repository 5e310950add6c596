package utils

import (
	"sync"
)

// RWLocker is satisfied by *sync.RWMutex. Objects created by an externally synchronized owner
// receive a no-op implementation instead.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
	TryLock() bool
}

// NewRWLocker returns a real mutex when synchronized is true and a no-op lock otherwise
func NewRWLocker(synchronized bool) RWLocker {
	if synchronized {
		return &sync.RWMutex{}
	}
	return noopLocker{}
}

type noopLocker struct{}

func (noopLocker) Lock()         {}
func (noopLocker) Unlock()       {}
func (noopLocker) RLock()        {}
func (noopLocker) RUnlock()      {}
func (noopLocker) TryLock() bool { return true }
