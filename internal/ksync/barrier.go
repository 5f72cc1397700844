package ksync

import "github.com/pincerOS/kernel-sub001/internal/kthread"

// Barrier implements spec.md §4.7: a count plus a condvar, where the last
// arrival notifies all. Used by the preemption-fairness seed test
// (spec.md §8 scenario 3: 32 threads plus the main thread reach a barrier
// of N=33). Boot-time core bring-up does not use it; internal/boot has
// its own channel-based barrier.
type Barrier struct {
	mu      InterruptSpinLock
	target  int
	arrived int
	cv      *CondVar
}

// NewBarrier constructs a barrier that releases once target threads have
// called Wait.
func NewBarrier(rq RunQueue, target int) *Barrier {
	return &Barrier{target: target, cv: NewCondVar(rq)}
}

// Wait blocks the calling thread until target threads have all called
// Wait, then releases everyone.
func (b *Barrier) Wait(t *kthread.Thread) {
	g := b.mu.Lock()
	b.arrived++
	if b.arrived >= b.target {
		b.arrived = 0
		g.Unlock()
		b.cv.Broadcast()
		return
	}
	generation := b.arrived
	g = b.cv.WaitWhile(t, &b.mu, g, func() bool {
		return b.arrived != 0 && b.arrived >= generation && b.arrived < b.target
	})
	g.Unlock()
}
