package kproc

import (
	"github.com/pincerOS/kernel-sub001/internal/ipc/channel"
	"github.com/pincerOS/kernel-sub001/internal/kobject"
	"github.com/pincerOS/kernel-sub001/internal/ksync"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
	"github.com/pincerOS/kernel-sub001/internal/vaspace"
)

// SpawnChannelCapacity is the message capacity of the channel handed to
// every newly spawned process, matching the single-channel-per-child
// shape original_source/crates/init/src/main.rs's spawn_elf establishes
// (one channel created right after the new process's address space is
// populated, with the remote end passed as the child's x0 argument).
const SpawnChannelCapacity = 16

// Spawn implements the spawn syscall's process-creation path: a fresh
// process running body in space, with a freshly minted channel whose
// remote end is the child's first fd (fd 0 in its table, and handed to
// body as childEnd; no argument register is set from it) and whose local
// end is returned to the caller as the new child's fd.
//
// body receives the child Thread so it can read the handed-in channel
// fd the same way original_source's spawn_inner reads its closure
// argument; this models the EL0 entry point a real loader would jump
// to at pc with SP_EL0=sp, since there is no way to execute an
// untrusted binary on this host model.
func Spawn(parent *Process, rq ksync.RunQueue, space *vaspace.AddressSpace, spEL0 uint64, body func(t *kthread.Thread, childEnd *channel.Endpoint)) (childFD int, child *Process, err error) {
	local, remote := channel.NewPair(rq, SpawnChannelCapacity)

	child = New(space, rq)
	child.Parent = parent

	child.FDs.Insert(kobject.New(remote))

	thread := kthread.NewUserThread(spEL0, space.TopPAddr(), func(t *kthread.Thread) {
		body(t, remote)
		child.Exit(0)
	})
	thread.Process = child
	child.AddThread(thread)

	childFD = parent.FDs.Insert(kobject.New(local))
	rq.ScheduleThread(thread)
	return childFD, child, nil
}

// ThreadExited implements kthread.ProcessRef: when a process's last
// thread finishes without calling Exit explicitly (e.g. its body
// function simply returns), the process is reaped with status 0, the
// same "falling off the end of main exits 0" convention
// original_source/crates/init/src/main.rs's spawn_inner encodes by
// calling syscall::exit() unconditionally after the closure returns.
func (p *Process) ThreadExited(t *kthread.Thread) {
	allExited := true
	for _, th := range p.Threads {
		if th.State() != kthread.StateExited {
			allExited = false
			break
		}
	}
	if allExited {
		p.Exit(0)
	}
}
