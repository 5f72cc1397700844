// Package ksync implements the synchronization primitives of spec.md §4.7:
// spinlocks, interrupt-masking spinlocks, condition variables, barriers, and
// semaphores. Naming avoids the package name "sync" so call sites can still
// import the standard library's sync package unaliased, the same convention
// gVisor uses for its own pkg/sync wrapper.
//
// Grounded on original_source/crates/kernel/src/sync.rs and
// crates/kernel/src/sync/condvar.rs for the wait/wait_while/queue-add-unlock
// split, and on the atomic-ordering discipline of
// AlephTX/aleph-tx/feeder/shm/seqlock.go for the lock-free paths.
package ksync

import (
	"sync/atomic"
)

// SpinLock is a test-and-set lock with acquire/release ordering. It never
// yields to the Go scheduler while held short; callers that may block while
// holding one are violating the spec's discipline (spinlocks guard bitmaps
// and queues, never IPC).
type SpinLock struct {
	locked atomic.Bool
}

// Lock spins until the lock is acquired.
func (l *SpinLock) Lock() {
	for !l.locked.CompareAndSwap(false, true) {
		// Busy-wait; real hardware would issue `yield`/`wfe` here, but
		// spec.md's spinlocks are held for O(bitmap-scan) durations only.
	}
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.locked.Store(false)
}

// TryLock attempts to acquire the lock without spinning.
func (l *SpinLock) TryLock() bool {
	return l.locked.CompareAndSwap(false, true)
}

// InterruptMask models the DAIF bits saved and restored by
// InterruptSpinLock. A real implementation reads/writes DAIF via MRS/MSR;
// this is the named-interface boundary SPEC_FULL.md draws around register
// access.
type InterruptMask uint64

// InterruptController is the hardware collaborator that masks and restores
// interrupt delivery. A host build supplies a simulated controller; a
// bare-metal build would back this with DAIF reads/writes.
type InterruptController interface {
	MaskAll() InterruptMask
	Restore(InterruptMask)
}

// noopController is the default controller used when a kernel is
// constructed without an explicit InterruptController (e.g. in unit
// tests exercising a single subsystem in isolation).
type noopController struct{}

func (noopController) MaskAll() InterruptMask  { return 0 }
func (noopController) Restore(InterruptMask)   {}

// DefaultInterruptController is shared by InterruptSpinLocks constructed
// with NewInterruptSpinLock(nil).
var DefaultInterruptController InterruptController = noopController{}

// InterruptSpinLock additionally disables interrupt delivery for the
// duration it is held, matching spec.md's "an interrupt-masking spinlock"
// around the frame bitmap, run queue, and task table.
type InterruptSpinLock struct {
	inner SpinLock
	ctrl  InterruptController
}

// NewInterruptSpinLock constructs a lock using ctrl for DAIF save/restore,
// or DefaultInterruptController if ctrl is nil.
func NewInterruptSpinLock(ctrl InterruptController) *InterruptSpinLock {
	if ctrl == nil {
		ctrl = DefaultInterruptController
	}
	return &InterruptSpinLock{ctrl: ctrl}
}

func (l *InterruptSpinLock) restoreCtrl() InterruptController {
	if l.ctrl == nil {
		return DefaultInterruptController
	}
	return l.ctrl
}

// Guard is the token returned by Lock, tying unlock to a specific
// acquisition so it can be transferred across an await point (spec.md
// §4.7 "an owned variant permits transfer of the guard").
type Guard struct {
	lock  *InterruptSpinLock
	mask  InterruptMask
	freed bool
}

// Lock masks interrupts, then spins for the lock. A zero-valued
// InterruptSpinLock (the common case — most callers embed one as a
// struct field rather than calling NewInterruptSpinLock) falls back to
// DefaultInterruptController.
func (l *InterruptSpinLock) Lock() *Guard {
	ctrl := l.ctrl
	if ctrl == nil {
		ctrl = DefaultInterruptController
	}
	mask := ctrl.MaskAll()
	l.inner.Lock()
	return &Guard{lock: l, mask: mask}
}

// Unlock releases the lock and restores the previously saved interrupt
// mask. Calling Unlock twice on the same Guard panics, matching the
// teacher's defensive CompareAndSwap check in iouringfs.ProcessSubmissions.
func (g *Guard) Unlock() {
	if g.freed {
		panic("ksync: Guard unlocked twice")
	}
	g.freed = true
	g.lock.inner.Unlock()
	g.lock.restoreCtrl().Restore(g.mask)
}

// forgetAndUnlock marks the Guard freed and unlocks the spinlock without
// restoring the saved interrupt mask, returning that mask to the caller
// instead. Used for the unlock step handed to WaitQueue.Park, where the
// unlock is folded into the enqueue to avoid a lost wakeup.
func (g *Guard) forgetAndUnlock() InterruptMask {
	if g.freed {
		panic("ksync: Guard already unlocked")
	}
	g.freed = true
	mask := g.mask
	g.lock.inner.Unlock()
	return mask
}
