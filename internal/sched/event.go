// Package sched implements spec.md §4.6 and §3's scheduler: a single
// shared FIFO run queue of events, N per-core loops draining it, and the
// yield and exit paths that move threads on and off a core (the
// queue-and-unlock path lives in ksync.WaitQueue.Park).
//
// Grounded on nmxmxh/inos_v1's kernel/threads supervisor for the
// goroutine-per-core-loop plus shared-queue shape of a from-scratch Go
// kernel, and on original_source/crates/kernel/src/event/thread.rs for
// the exact Yield/Stop semantics this package's Scheduler.Yield and
// exit handling mirror.
package sched

import (
	"github.com/google/uuid"

	"github.com/pincerOS/kernel-sub001/internal/kthread"
)

// EventKind distinguishes the three event variants spec.md §3 names for
// the run queue: "ScheduleThread(thread), AsyncTask(task_id),
// Function(closure)".
type EventKind int

const (
	EventScheduleThread EventKind = iota
	EventAsyncTask
	EventFunction
)

func (k EventKind) String() string {
	switch k {
	case EventScheduleThread:
		return "schedule_thread"
	case EventAsyncTask:
		return "async_task"
	case EventFunction:
		return "function"
	default:
		return "unknown"
	}
}

// Event is one entry of the shared run queue.
type Event struct {
	Kind   EventKind
	Thread *kthread.Thread
	TaskID uuid.UUID
	Fn     func()
}

// ThreadEvent wraps a thread ready to run.
func ThreadEvent(t *kthread.Thread) Event {
	return Event{Kind: EventScheduleThread, Thread: t}
}

// AsyncTaskEvent wraps a task ID a core should poll.
func AsyncTaskEvent(id uuid.UUID) Event {
	return Event{Kind: EventAsyncTask, TaskID: id}
}

// FunctionEvent wraps an arbitrary closure a core should run inline
// before returning to the queue, used for one-shot kernel-side callbacks
// (e.g. a process's final teardown step).
func FunctionEvent(fn func()) Event {
	return Event{Kind: EventFunction, Fn: fn}
}

// TaskRunner is the minimal surface sched needs from internal/ktask: the
// ability to run (poll) a previously-suspended async task by ID. Declared
// here, rather than importing internal/ktask, so ktask can depend on
// sched (to re-enqueue AsyncTask events on wake) without a cycle.
type TaskRunner interface {
	RunTask(id uuid.UUID)
}
