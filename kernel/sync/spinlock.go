// Package sync provides the spinlock used to guard kernel singletons such as
// the frame allocator, the kernel heap and the task registry.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked by a spinning task once it has exhausted its
	// busy-wait attempts. The kernel leaves it unset as there is no
	// scheduler to yield to; tests point it at runtime.Gosched.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// acquireSpinlock spins on a compare-and-swap of state, calling yieldFn after
// every attemptsBeforeYielding failed attempts.
func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); !atomic.CompareAndSwapUint32(state, 0, 1); attempts++ {
		if attempts >= attemptsBeforeYielding && yieldFn != nil {
			yieldFn()
			attempts = 0
		}
	}
}
