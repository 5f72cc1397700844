package ksync

import "github.com/pincerOS/kernel-sub001/internal/kthread"

// CondVar implements spec.md §4.7: "Internal wait queue of
// Event::ScheduleThread. wait(guard) forgets the guard, performs
// QueueAddUnlock, then reacquires. wait_while(guard, cond) loops."
//
// Grounded on original_source/crates/kernel/src/sync/condvar.rs, which
// implements exactly this forget/enqueue/reacquire shape rather than a
// single opaque blocking call.
type CondVar struct {
	q *WaitQueue
}

// NewCondVar constructs a CondVar whose waiters are handed back to rq
// when signaled.
func NewCondVar(rq RunQueue) *CondVar {
	return &CondVar{q: NewWaitQueue(rq)}
}

// Wait forgets g (releasing lock), parks t on the condvar's wait queue,
// and reacquires lock once woken, returning the new guard.
func (c *CondVar) Wait(t *kthread.Thread, lock *InterruptSpinLock, g *Guard) *Guard {
	c.q.Park(t, func() { g.forgetAndUnlock() })
	return lock.Lock()
}

// WaitWhile loops Wait while cond() holds, re-checking cond() each time
// under the reacquired lock.
func (c *CondVar) WaitWhile(t *kthread.Thread, lock *InterruptSpinLock, g *Guard, cond func() bool) *Guard {
	for cond() {
		g = c.Wait(t, lock, g)
	}
	return g
}

// Signal wakes the earliest-parked waiter, if any. Reports whether a
// waiter was found.
func (c *CondVar) Signal() bool { return c.q.WakeOne() }

// Broadcast wakes every parked waiter.
func (c *CondVar) Broadcast() { c.q.WakeAll() }

// Waiting reports the number of threads currently parked on this condvar.
func (c *CondVar) Waiting() int { return c.q.Len() }
