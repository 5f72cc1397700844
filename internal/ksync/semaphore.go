package ksync

import "github.com/pincerOS/kernel-sub001/internal/kthread"

// Semaphore implements spec.md §4.7/§4.8/§6.1's semaphore kernel object:
// a count plus a wait queue. Up increments, waking one waiter if the
// count was zero; Down blocks while the count is zero, then decrements.
//
// This is the scheduler-integrated semaphore: Down parks the calling
// thread through the same WaitQueue/QueueAddUnlock discipline as CondVar,
// so a blocked sem_down is a real suspension point (spec.md §5) rather
// than a goroutine parked outside the scheduler's accounting. The
// standalone golang.org/x/sync/semaphore.Weighted is used instead inside
// internal/ktask, where bounding concurrent future polling has no thread
// to suspend — see DESIGN.md.
type Semaphore struct {
	mu    InterruptSpinLock
	count int64
	q     *WaitQueue
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(rq RunQueue, initial int64) *Semaphore {
	return &Semaphore{count: initial, q: NewWaitQueue(rq)}
}

// Down blocks the calling thread while the count is zero, then
// decrements it.
func (s *Semaphore) Down(t *kthread.Thread) {
	g := s.mu.Lock()
	for s.count == 0 {
		s.q.Park(t, func() { g.forgetAndUnlock() })
		g = s.mu.Lock()
	}
	s.count--
	g.Unlock()
}

// TryDown attempts a non-blocking decrement. Reports whether it
// succeeded, for the EAGAIN-returning non-blocking IPC variants of
// spec.md §4.8.
func (s *Semaphore) TryDown() bool {
	g := s.mu.Lock()
	defer g.Unlock()
	if s.count == 0 {
		return false
	}
	s.count--
	return true
}

// Up increments the count, waking one waiter if the count was zero.
func (s *Semaphore) Up() {
	g := s.mu.Lock()
	wasZero := s.count == 0
	s.count++
	g.Unlock()

	if wasZero {
		s.q.WakeOne()
	}
}

// Count returns the current count. For tests and metrics only: the value
// may change the instant after it's read.
func (s *Semaphore) Count() int64 {
	g := s.mu.Lock()
	defer g.Unlock()
	return s.count
}
