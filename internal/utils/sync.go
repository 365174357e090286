package utils

import (
	"sync"

	"github.com/vkngwrapper/fixedheap/memutils"
)

// OptionalLocker wraps a memutils.Locker that is only used when UseLock is true, so externally
// synchronized heaps skip internal locking entirely
type OptionalLocker struct {
	Locker  memutils.Locker
	UseLock bool
}

// NewOptionalLocker returns an OptionalLocker around locker. A nil locker is replaced by a fresh
// sync.Mutex when useLock is set.
func NewOptionalLocker(locker memutils.Locker, useLock bool) OptionalLocker {
	if locker == nil && useLock {
		locker = &sync.Mutex{}
	}

	return OptionalLocker{
		Locker:  locker,
		UseLock: useLock,
	}
}

func (m *OptionalLocker) Lock() {
	if m.UseLock {
		m.Locker.Lock()
	}
}

func (m *OptionalLocker) Unlock() {
	if m.UseLock {
		m.Locker.Unlock()
	}
}
