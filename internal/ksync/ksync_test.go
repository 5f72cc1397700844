package ksync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pincerOS/kernel-sub001/internal/kthread"
)

// fakeRunQueue stands in for internal/sched in tests: it just restarts or
// grants whichever runner backs the woken thread, matching what a real
// scheduler's ScheduleThread does for a previously-parked thread.
type fakeRunQueue struct {
	mu      sync.Mutex
	runners map[*kthread.Thread]*kthread.Runner
}

func newFakeRunQueue() *fakeRunQueue {
	return &fakeRunQueue{runners: make(map[*kthread.Thread]*kthread.Runner)}
}

func (f *fakeRunQueue) spawn(body func(t *kthread.Thread)) *kthread.Runner {
	t := kthread.NewKernelThread(body)
	r := kthread.NewRunner(t)
	f.mu.Lock()
	f.runners[t] = r
	f.mu.Unlock()
	r.Start()
	r.WaitParked()
	return r
}

func (f *fakeRunQueue) ScheduleThread(t *kthread.Thread) {
	f.mu.Lock()
	r := f.runners[t]
	f.mu.Unlock()
	go func() {
		r.Resume()
		r.WaitParked()
	}()
}

func TestSpinLockExcludes(t *testing.T) {
	var lock SpinLock
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Lock()
			counter++
			lock.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 64, counter)
}

func TestInterruptSpinLockGuardForgetAndUnlock(t *testing.T) {
	lock := NewInterruptSpinLock(DefaultInterruptController)
	g := lock.Lock()
	mask := g.forgetAndUnlock()
	require.Equal(t, InterruptMask(0), mask)

	// The lock must be free again: a second Lock should not block.
	done := make(chan struct{})
	go func() {
		g2 := lock.Lock()
		g2.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock still held after forgetAndUnlock")
	}
}

func TestSemaphoreDownBlocksUntilUp(t *testing.T) {
	rq := newFakeRunQueue()
	sem := NewSemaphore(rq, 0)

	order := make(chan string, 2)
	r := rq.spawn(func(t *kthread.Thread) {
		sem.Down(t)
		order <- "acquired"
	})

	// The thread should be parked, not runnable, since the count is 0.
	require.Equal(t, kthread.StateBlocked, r.Thread().State())

	sem.Up()

	select {
	case v := <-order:
		require.Equal(t, "acquired", v)
	case <-time.After(time.Second):
		t.Fatal("Down never woke after Up")
	}
}

func TestSemaphoreTryDown(t *testing.T) {
	rq := newFakeRunQueue()
	sem := NewSemaphore(rq, 1)

	require.True(t, sem.TryDown())
	require.False(t, sem.TryDown())
	require.Equal(t, int64(0), sem.Count())

	sem.Up()
	require.Equal(t, int64(1), sem.Count())
}

func TestCondVarWaitWhile(t *testing.T) {
	rq := newFakeRunQueue()
	spinlock := NewInterruptSpinLock(DefaultInterruptController)
	cv := NewCondVar(rq)

	ready := false
	done := make(chan struct{})

	r := rq.spawn(func(t *kthread.Thread) {
		g := spinlock.Lock()
		g = cv.WaitWhile(t, spinlock, g, func() bool { return !ready })
		g.Unlock()
		close(done)
	})
	require.Equal(t, kthread.StateBlocked, r.Thread().State())

	g := spinlock.Lock()
	ready = true
	g.Unlock()
	cv.Signal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitWhile never returned after Signal")
	}
}

func TestBarrierReleasesAllArrivals(t *testing.T) {
	rq := newFakeRunQueue()
	const n = 4
	b := NewBarrier(rq, n)

	var wg sync.WaitGroup
	released := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rq.spawn(func(t *kthread.Thread) {
				b.Wait(t)
				released <- 1
			})
		}()
	}
	wg.Wait()

	timeout := time.After(time.Second)
	count := 0
	for count < n {
		select {
		case <-released:
			count++
		case <-timeout:
			t.Fatalf("only %d/%d threads released from barrier", count, n)
		}
	}
}
