package ksync

import "github.com/pincerOS/kernel-sub001/internal/kthread"

// RunQueue is the minimal surface ksync needs from a scheduler: the
// ability to re-enqueue a parked thread once it has been woken.
// internal/sched.Scheduler implements this, and is injected into every
// WaitQueue/CondVar/Semaphore/Barrier constructed against it. Keeping the
// interface here (rather than importing internal/sched) lets sched depend
// on ksync for its locks without a cycle.
type RunQueue interface {
	ScheduleThread(t *kthread.Thread)
}

// WaitQueue is the internal wait queue of spec.md §4.7 — "Internal wait
// queue of Event::ScheduleThread" — shared by CondVar, Semaphore, and
// Barrier.
type WaitQueue struct {
	mu      SpinLock
	waiters []*kthread.Thread
	rq      RunQueue
}

// NewWaitQueue constructs a wait queue that hands woken threads back to rq.
func NewWaitQueue(rq RunQueue) *WaitQueue {
	return &WaitQueue{rq: rq}
}

// Park implements spec.md's QueueAddUnlock: t is appended to the wait
// queue, then unlock is invoked, then t cedes the core. Because t is
// already in the list before unlock runs, a concurrent WakeOne/WakeAll
// can never miss it — there is no lost-wakeup window.
func (q *WaitQueue) Park(t *kthread.Thread, unlock func()) {
	q.mu.Lock()
	q.waiters = append(q.waiters, t)
	q.mu.Unlock()

	unlock()

	t.ParkAndWaitResume()
}

// WakeOne moves the earliest-parked thread, if any, back onto the run
// queue and reports whether a waiter was found.
func (q *WaitQueue) WakeOne() bool {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.mu.Unlock()
		return false
	}
	t := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()

	q.rq.ScheduleThread(t)
	return true
}

// WakeAll moves every parked thread back onto the run queue.
func (q *WaitQueue) WakeAll() {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, t := range waiters {
		q.rq.ScheduleThread(t)
	}
}

// Len reports the number of currently parked threads. Intended for tests
// and metrics, not scheduling decisions.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
