// Package slock provides a spinlock that can live inside a shared-memory
// mapping. The lock word is a single uint64 manipulated with sync/atomic so
// that the same struct works whether it sits on the Go heap or is an overlay
// over an mmap'd byte range shared with other processes.
package slock

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a test-CAS spinlock. The zero value is an unlocked lock.
type Spinlock struct {
	v uint64
}

// Lock spins until the lock is acquired. Critical sections guarded by this
// lock are expected to be O(1); the loop yields the processor between
// attempts so a single-threaded scheduler can still make progress.
func (l *Spinlock) Lock() {
	for {
		if atomic.LoadUint64(&l.v) == 0 &&
			atomic.CompareAndSwapUint64(&l.v, 0, 1) {
			return
		}
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without spinning.
func (l *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapUint64(&l.v, 0, 1)
}

// IsLocked reports whether the lock is currently held by anyone.
func (l *Spinlock) IsLocked() bool {
	return atomic.LoadUint64(&l.v) != 0
}

// Unlock releases the lock.
func (l *Spinlock) Unlock() {
	atomic.StoreUint64(&l.v, 0)
}

// Barrier is a count-down-then-spin rendezvous used by test harnesses to
// release a set of goroutines at the same instant.
type Barrier struct {
	target uint64
	count  uint64
}

// NewBarrier returns a barrier that releases once target goroutines have
// called Wait.
func NewBarrier(target int) *Barrier {
	return &Barrier{target: uint64(target)}
}

// Wait blocks until every participant has arrived.
func (b *Barrier) Wait() {
	if atomic.AddUint64(&b.count, 1) == b.target {
		return
	}
	for atomic.LoadUint64(&b.count) != b.target {
		runtime.Gosched()
	}
}
