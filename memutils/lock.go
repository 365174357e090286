package memutils

//go:generate mockgen -destination=./mocks/locker.go -package=mock_memutils github.com/vkngwrapper/fixedheap/memutils Locker

import (
	"runtime"
	"sync/atomic"
)

// Locker is the mutual exclusion primitive a heap uses to serialize its operations. Lock blocks
// until the lock is held and Unlock requires that the caller holds it. *sync.Mutex satisfies Locker.
type Locker interface {
	Lock()
	Unlock()
}

// SpinLock is a Locker that waits for the lock with a compare-and-swap loop instead of parking the
// goroutine. It is intended for very short critical sections. The zero value is an unlocked SpinLock.
type SpinLock struct {
	state atomic.Uint32
}

var _ Locker = &SpinLock{}

// Lock acquires the lock, yielding the processor between failed attempts. Locking a SpinLock that the
// caller already holds deadlocks.
func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free and reports whether it did
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. It panics if the lock is not held.
func (l *SpinLock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("memutils: unlock of unlocked SpinLock")
	}
}
