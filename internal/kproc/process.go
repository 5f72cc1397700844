// Package kproc implements spec.md §3/§6.1's process: an address space,
// an fd table, and the thread(s) running in it, with spawn/fork/wait/exit
// lifecycle matching the syscall table's shutdown/spawn/exit/wait entries.
//
// Grounded on gvisor's pkg/sentry/kernel.Task/ThreadGroup (a process
// object wrapping an address space, fd table, and exit-status wait
// mechanism) for the aggregate shape, and on
// original_source/crates/init/src/main.rs's spawn_thread/spawn_elf for
// the spawn-as-exec semantics (a child starts in a fresh address space
// with one argument register set, not forked from the parent — fork()
// is the explicit operation that copies an address space, per spec.md
// §4.3).
package kproc

import (
	"github.com/google/uuid"

	"github.com/pincerOS/kernel-sub001/internal/kobject"
	"github.com/pincerOS/kernel-sub001/internal/ksync"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
	"github.com/pincerOS/kernel-sub001/internal/vaspace"
)

// ExitState tracks whether a process has exited and with what status.
type ExitState struct {
	Exited bool
	Status int64
}

// Process is spec.md §3's process aggregate.
type Process struct {
	ID      uuid.UUID
	Parent  *Process
	Space   *vaspace.AddressSpace
	FDs     *kobject.Table
	Threads []*kthread.Thread

	mu    ksync.InterruptSpinLock
	exit  ExitState
	waitQ *ksync.CondVar
}

// New wraps a fresh address space and fd table into a process, as the
// spawn syscall's target process and the kernel's init process both do.
func New(space *vaspace.AddressSpace, rq ksync.RunQueue) *Process {
	return &Process{
		ID:    uuid.New(),
		Space: space,
		FDs:   kobject.NewTable(),
		waitQ: ksync.NewCondVar(rq),
	}
}

// AddThread registers t as one of this process's threads (spec.md allows
// multiple; the common case spawned by sys_spawn is exactly one).
func (p *Process) AddThread(t *kthread.Thread) {
	p.Threads = append(p.Threads, t)
}

// Fork implements the fork() half of spec.md §6.1's process model: a new
// process with a byte-copied address space (internal/vaspace.Fork) and
// an fd table whose entries are re-ref'd, not re-created — spec.md §4.8:
// "this is how pipes, shared buffers, and semaphores are handed to a
// child process at spawn" generalizes to fork identically.
func (p *Process) Fork(rq ksync.RunQueue) (*Process, error) {
	childSpace, err := p.Space.Fork()
	if err != nil {
		return nil, err
	}
	child := New(childSpace, rq)
	child.Parent = p
	child.FDs = p.FDs.Clone()
	return child, nil
}

// Exit records the process's exit status and wakes any thread blocked in
// Wait. A process can only exit once; later calls are no-ops, matching
// spec.md §6.1's exit syscall being "never returns" from the caller's
// perspective.
func (p *Process) Exit(status int64) {
	g := p.mu.Lock()
	if p.exit.Exited {
		g.Unlock()
		return
	}
	p.exit = ExitState{Exited: true, Status: status}
	g.Unlock()

	p.FDs.CloseAll()
	p.Space.Clear()
	p.waitQ.Broadcast()
}

// Wait blocks the calling thread until this process has exited, then
// returns its exit status — spec.md §6.1's `wait(child_fd) -> exit
// status`.
func (p *Process) Wait(t *kthread.Thread) int64 {
	g := p.mu.Lock()
	g = p.waitQ.WaitWhile(t, &p.mu, g, func() bool { return !p.exit.Exited })
	status := p.exit.Status
	g.Unlock()
	return status
}

// ExitStatus reports the current exit state without blocking. Intended
// for tests and a non-blocking wait variant.
func (p *Process) ExitStatus() ExitState {
	g := p.mu.Lock()
	defer g.Unlock()
	return p.exit
}
