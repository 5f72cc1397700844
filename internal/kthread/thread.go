// Package kthread implements the Thread entity of spec.md §3 and §4.6: a
// kernel stack, a saved-context record, an optional user_regs block, and
// the state machine a scheduler drives it through. It is a leaf package —
// it holds no reference to the scheduler or synchronization primitives
// that operate on it, so internal/ksync and internal/sched can both
// depend on it without a cycle.
package kthread

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pincerOS/kernel-sub001/internal/except"
)

// State is the thread's scheduling state.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateExited
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Kind distinguishes a kernel thread (runs a Go closure at EL1) from a
// user thread (initial context targets EL0, with SP_EL0/TTBR0_EL1 stashed
// in UserRegs).
type Kind int

const (
	KindKernel Kind = iota
	KindUser
)

// UserRegs holds the EL0-specific register state spec.md §3 calls out:
// SP_EL0, TTBR0_EL1, and whether the thread is currently executing in
// user mode.
type UserRegs struct {
	SPEL0    uint64
	TTBR0EL1 uint64
	Usermode bool
}

// ProcessRef is an opaque handle to the owning process. It is declared
// here (rather than importing internal/kproc, which would cycle back
// through kthread) as the minimal surface a thread needs: a way to learn
// it has no more owner.
type ProcessRef interface {
	// ThreadExited is called once, from FreeStack (the scheduler's
	// reaper), when this thread has fully exited and its stack has been
	// reclaimed.
	ThreadExited(t *Thread)
}

// parkSignal is sent on parkC when a thread cedes the core, either to
// yield, block, or exit.
type parkSignal struct {
	exited bool
}

// Thread is spec.md's Thread: an owned kernel stack, a saved context, an
// optional user_regs block, and an optional process reference.
type Thread struct {
	ID   uuid.UUID
	Kind Kind

	// Stack is the thread's private kernel stack. It is simulated as a
	// slice of machine words (rather than actually executed against)
	// since this module hosts kernel logic on the Go runtime's own
	// goroutine stacks; its presence and lifecycle still model spec.md's
	// "a thread cannot free its own stack while running on it" rule via
	// freed, checked in Stack().
	stack   []uint64
	freed   atomic.Bool
	started atomic.Bool

	// LastContext is the stable per-thread location context is saved to
	// on preemption, satisfying the spec.md §8 invariant that it always
	// points to a readable, aligned Context with a valid SPSR.
	LastContext except.Context

	UserRegs *UserRegs

	Process ProcessRef

	state atomic.Int32

	resumeC chan struct{}
	parkC   chan parkSignal

	// Body is the thread's entry point. Kernel threads run an arbitrary
	// closure (spec.md: "a one-shot closure placed at the top of the
	// stack"); user threads run a closure too, standing in for EL0 code
	// a real loader would have mapped, since there is no way to execute
	// untrusted user binaries on this host model.
	Body func(t *Thread)
}

const defaultStackWords = 4096 // 32 KiB kernel stack, matching typical EL1 stack sizing

// NewKernelThread allocates a kernel thread with a private stack and the
// given entry closure. Its initial context models lr = init_thread per
// spec.md §4.6: the closure is what runs when the scheduler first grants
// it the core.
func NewKernelThread(body func(t *Thread)) *Thread {
	t := &Thread{
		ID:      uuid.New(),
		Kind:    KindKernel,
		stack:   make([]uint64, defaultStackWords),
		resumeC: make(chan struct{}),
		parkC:   make(chan parkSignal),
		Body:    body,
	}
	t.LastContext.SPSR = except.SPSREL1h
	t.state.Store(int32(StateReady))
	return t
}

// NewUserThread allocates a user thread whose initial context targets
// EL0t, with SP_EL0 and TTBR0_EL1 stashed in UserRegs per spec.md §4.6.
func NewUserThread(spEL0, ttbr0 uint64, body func(t *Thread)) *Thread {
	t := &Thread{
		ID:      uuid.New(),
		Kind:    KindUser,
		stack:   make([]uint64, defaultStackWords),
		resumeC: make(chan struct{}),
		parkC:   make(chan parkSignal),
		UserRegs: &UserRegs{
			SPEL0:    spEL0,
			TTBR0EL1: ttbr0,
			Usermode: true,
		},
		Body: body,
	}
	t.LastContext.SPSR = except.SPSREL0t
	t.state.Store(int32(StateReady))
	return t
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State { return State(t.state.Load()) }

func (t *Thread) setState(s State) { t.state.Store(int32(s)) }

// Stack returns the thread's kernel stack words. It panics if called
// after the stack has been freed, modeling the spec.md invariant that a
// freed thread's stack is no longer addressable.
func (t *Thread) Stack() []uint64 {
	if t.freed.Load() {
		panic("kthread: Stack accessed after FreeStack")
	}
	return t.stack
}

// FreeStack releases the thread's kernel stack. Spec.md requires this
// never happen while the thread is running on that very stack; callers
// (the scheduler's reaper) only call this once Thread.State() ==
// StateExited and the thread's goroutine has already returned.
func (t *Thread) FreeStack() {
	if !t.freed.CompareAndSwap(false, true) {
		return
	}
	t.stack = nil
	if t.Process != nil {
		t.Process.ThreadExited(t)
	}
}
