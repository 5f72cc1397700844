// Package ktask implements spec.md §4.5's async-handler idiom: a task
// table keyed by uuid, a HandlerContext exposing resume()/resume_final(),
// and the poll-once dispatch that lets a syscall handler suspend without
// blocking its core.
//
// Go has no stackful coroutines or pollable futures, so where
// original_source/crates/kernel/src/event/async_handler.rs drives a
// hand-written Future by hand, this package runs the handler body on its
// own goroutine from the start and uses the thread's own resumeC/parkC
// rendezvous (by way of ksync.RunQueue) to decide when the user thread
// should continue. The "poll once" window — ready immediately vs.
// suspends — is approximated with a single runtime.Gosched, documented
// at RunAsyncHandler.
package ktask

import (
	"github.com/google/uuid"

	"github.com/pincerOS/kernel-sub001/internal/ksync"
)

// Task is a suspended async handler, keyed by ID in the Table. Grounded
// on original_source's task::Task wrapping a pinned HandlerFuture.
type Task struct {
	ID   uuid.UUID
	Done <-chan struct{}
}

// Table is the kernel's async task table: spec.md §4.5 "a task id is
// allocated... the future becomes an AsyncTask in the scheduler."
// Protected by an interrupt-masking spinlock per spec.md §5 ("the run
// queue and the task table are protected by interrupt-masking
// spinlocks").
type Table struct {
	mu    ksync.InterruptSpinLock
	tasks map[uuid.UUID]*Task
}

// NewTable constructs an empty task table.
func NewTable() *Table {
	return &Table{tasks: make(map[uuid.UUID]*Task)}
}

func (t *Table) alloc(task *Task) uuid.UUID {
	g := t.mu.Lock()
	defer g.Unlock()
	t.tasks[task.ID] = task
	return task.ID
}

func (t *Table) remove(id uuid.UUID) {
	g := t.mu.Lock()
	defer g.Unlock()
	delete(t.tasks, id)
}

func (t *Table) lookup(id uuid.UUID) (*Task, bool) {
	g := t.mu.Lock()
	defer g.Unlock()
	task, ok := t.tasks[id]
	return task, ok
}

// RunTask implements sched.TaskRunner: it blocks the calling core until
// the named task finishes, the same way a real core would keep polling
// an AsyncTask event's future to completion once rescheduled. Since this
// package always runs a task's remaining work on its own goroutine
// instead of a poll loop, "running" it here just means waiting for that
// goroutine's completion signal and tidying up the table.
func (t *Table) RunTask(id uuid.UUID) {
	task, ok := t.lookup(id)
	if !ok {
		return
	}
	<-task.Done
	t.remove(id)
}

// Len reports the number of currently suspended tasks. Tests and
// metrics only.
func (t *Table) Len() int {
	g := t.mu.Lock()
	defer g.Unlock()
	return len(t.tasks)
}
