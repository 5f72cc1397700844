package sched

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pincerOS/kernel-sub001/internal/kmetrics"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
)

// Scheduler is spec.md §4.6's "N cores, each with per-core data
// {current_thread, idle_loop_sp}. One shared lock-free or coarse-locked
// FIFO holds ready events." The FIFO here is a mutex-protected slice with
// a condition variable for idle cores to block on, rather than a
// lock-free structure: spec.md leaves the choice open ("lock-free or
// coarse-locked"), and a host model has no real idle-core power cost to
// avoid by spinning.
type Scheduler struct {
	log     *zap.Logger
	metrics *kmetrics.Registry
	tasks   TaskRunner

	mu       sync.Mutex
	notEmpty *sync.Cond
	queue    []Event
	closed   bool

	cores []*Core
}

// Core is the per-core state spec.md §4.6 names: the currently running
// thread, if any.
type Core struct {
	ID      int
	current *kthread.Thread
}

// New constructs a scheduler with numCores per-core loops, reporting
// through metrics and log. tasks is consulted whenever an AsyncTask event
// reaches the front of the queue.
func New(numCores int, tasks TaskRunner, metrics *kmetrics.Registry, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{log: log, metrics: metrics, tasks: tasks}
	s.notEmpty = sync.NewCond(&s.mu)
	s.cores = make([]*Core, numCores)
	for i := range s.cores {
		s.cores[i] = &Core{ID: i}
	}
	return s
}

// AddTask enqueues an event at the back of the shared FIFO, matching
// spec.md's SCHEDULER.add_task, and wakes one idle core.
func (s *Scheduler) AddTask(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	if s.metrics != nil {
		s.metrics.RunQueueDepth.Set(float64(len(s.queue)))
	}
	s.mu.Unlock()
	s.notEmpty.Signal()
}

// ScheduleThread implements ksync.RunQueue and internal/kproc's spawn
// path: it is the Go-level equivalent of Rust's thread() helper, wrapping
// a ready thread in a ScheduleThread event.
func (s *Scheduler) ScheduleThread(t *kthread.Thread) {
	if s.metrics != nil {
		s.metrics.ThreadsSpawned.Inc()
	}
	s.AddTask(ThreadEvent(t))
}

func (s *Scheduler) popLocked() (Event, bool) {
	for len(s.queue) == 0 && !s.closed {
		s.notEmpty.Wait()
	}
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	if s.metrics != nil {
		s.metrics.RunQueueDepth.Set(float64(len(s.queue)))
	}
	return e, true
}

// Run starts all per-core loops and blocks until ctx is cancelled or
// Stop is called, then waits for every core to notice and return.
// Grounded on the errgroup-per-worker-pool idiom, generalized here to a
// fixed set of scheduler cores rather than a fan-out over a task list.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.cores {
		c := c
		g.Go(func() error {
			s.coreLoop(ctx, c)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.Stop()
		return nil
	})
	return g.Wait()
}

// Stop unblocks every core waiting on an empty queue so Run can return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notEmpty.Broadcast()
}

func (s *Scheduler) coreLoop(ctx context.Context, c *Core) {
	for {
		s.mu.Lock()
		e, ok := s.popLocked()
		s.mu.Unlock()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch e.Kind {
		case EventScheduleThread:
			s.runThread(c, e.Thread)
		case EventAsyncTask:
			if s.tasks != nil {
				s.tasks.RunTask(e.TaskID)
			}
		case EventFunction:
			if e.Fn != nil {
				e.Fn()
			}
		}
	}
}

func (s *Scheduler) runThread(c *Core, t *kthread.Thread) {
	if s.metrics != nil {
		s.metrics.ContextSwitches.Inc()
	}
	c.current = t
	r := kthread.NewRunner(t)
	r.Resume() // starts t's goroutine if this is its first run, else grants it the core
	exited := r.WaitParked()
	c.current = nil
	if exited {
		t.FreeStack()
	}
}

// Yield implements spec.md's sys_yield / context_switch(Yield): the
// thread is re-enqueued at the back of the run queue, then cedes the
// core. Enqueueing before parking (rather than after) avoids the
// lost-wakeup window ksync.WaitQueue.Park is careful about for the same
// reason.
func (s *Scheduler) Yield(t *kthread.Thread) {
	s.ScheduleThread(t)
	t.ParkAndWaitResume()
}

// Current reports the thread a given core is currently running, or nil.
func (c *Core) Current() *kthread.Thread { return c.current }
