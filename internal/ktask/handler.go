package ktask

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pincerOS/kernel-sub001/internal/except"
	"github.com/pincerOS/kernel-sub001/internal/ksync"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
)

// HandlerContext is spec.md §4.5's HandlerContext: the controls an async
// syscall handler has over the thread it may suspend. Grounded on
// original_source/crates/kernel/src/event/async_handler.rs's
// HandlerContext/OuterData pair.
type HandlerContext struct {
	thread *kthread.Thread
	rq     ksync.RunQueue
	vmem   VMemSwitcher

	mu            sync.Mutex
	inHandler     bool // still within the first, synchronous poll
	suspendThread bool // whether the dispatcher should suspend the thread once inHandler ends
	suspended     bool // set once the thread has actually been taken off the core
	rescheduled   bool // set once the thread has been (or will be) handed back to the scheduler
}

// VMemSwitcher is the named-interface boundary for WithUserVmem:
// reinstalling a thread's address space and TLB state when a handler
// touches user memory after it has already suspended once.
type VMemSwitcher interface {
	SwitchAddressSpace(ttbr0 uint64)
}

// Resume implements spec.md's resume(): "re-queue on the scheduler;
// kernel work continues." Called during the handler's first synchronous
// burst, it just tells the dispatcher not to suspend the thread — no
// scheduling round trip needed, since the thread never left the core.
// Called after the thread has already suspended, it reschedules it
// immediately while the handler goroutine keeps running independently.
func (hc *HandlerContext) Resume() {
	hc.mu.Lock()
	if hc.inHandler {
		hc.suspendThread = false
		hc.mu.Unlock()
		return
	}
	hc.mu.Unlock()
	hc.reschedule()
}

// ResumeFinal implements spec.md's resume_final(): "reschedule at
// future-completion." It is a marker; RunAsyncHandler's wrapping
// goroutine reschedules the thread once the handler returns, provided it
// was actually suspended and Resume hasn't already rescheduled it.
func (hc *HandlerContext) ResumeFinal() {}

func (hc *HandlerContext) reschedule() {
	hc.mu.Lock()
	already := hc.rescheduled
	hc.rescheduled = true
	hc.mu.Unlock()
	if !already {
		hc.rq.ScheduleThread(hc.thread)
	}
}

// WithUserVmem implements spec.md's with_user_vmem(closure): if the
// handler hasn't suspended yet, the user address space is still live and
// callback runs directly; otherwise the target thread's TTBR0_EL1 is
// reinstalled first.
func (hc *HandlerContext) WithUserVmem(callback func()) {
	hc.mu.Lock()
	inHandler := hc.inHandler
	hc.mu.Unlock()
	if inHandler || hc.vmem == nil || hc.thread.UserRegs == nil {
		callback()
		return
	}
	hc.vmem.SwitchAddressSpace(hc.thread.UserRegs.TTBR0EL1)
	callback()
}

// pollBudget bounds how many handler goroutines may be in their "first
// poll" window at once, standing in for the original's per-core poll
// loop concurrency. Grounded on golang.org/x/sync's semaphore.Weighted,
// used here (rather than in ksync.Semaphore) because bounding concurrent
// goroutine starts has no kernel thread to suspend through the
// scheduler — see DESIGN.md.
var pollBudget = semaphore.NewWeighted(64)

// RunAsyncHandler implements spec.md's run_async_handler: it saves ctx
// as the thread's stable per-thread context, runs handler on its own
// goroutine, and polls it once. If the handler completes, or calls
// Resume, within that first poll, the thread is returned to the core
// directly with the original ctx — "no scheduling overhead." Otherwise a
// task id is allocated and handed to table so a core can later wait on
// it via RunTask.
func RunAsyncHandler(ctx *except.Context, thread *kthread.Thread, rq ksync.RunQueue, table *Table, vmem VMemSwitcher, handler func(hc *HandlerContext)) *except.Context {
	thread.LastContext = *ctx

	hc := &HandlerContext{thread: thread, rq: rq, vmem: vmem, inHandler: true, suspendThread: true}
	done := make(chan struct{})

	_ = pollBudget.Acquire(context.Background(), 1)
	go func() {
		defer pollBudget.Release(1)
		handler(hc)
		close(done)

		hc.mu.Lock()
		wasSuspended := hc.suspended
		hc.mu.Unlock()
		if wasSuspended {
			hc.reschedule()
		}
	}()

	// Poll once: give the handler a chance to run to completion, or to
	// call Resume, before deciding the thread needs to suspend. A real
	// future poll is synchronous by construction; a goroutine is not, so
	// this yields the scheduling slice once as a best-effort
	// approximation of that synchronous window.
	runtime.Gosched()
	select {
	case <-done:
		return ctx
	default:
	}

	hc.mu.Lock()
	hc.inHandler = false
	suspend := hc.suspendThread
	if !suspend {
		hc.mu.Unlock()
		return ctx
	}
	hc.suspended = true
	hc.mu.Unlock()

	task := &Task{ID: uuid.New(), Done: done}
	table.alloc(task)
	return &thread.LastContext
}
