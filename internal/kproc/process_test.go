package kproc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pincerOS/kernel-sub001/internal/except"
	"github.com/pincerOS/kernel-sub001/internal/ipc/channel"
	"github.com/pincerOS/kernel-sub001/internal/kobject"
	"github.com/pincerOS/kernel-sub001/internal/kpage"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
	"github.com/pincerOS/kernel-sub001/internal/vaspace"
	"github.com/pincerOS/kernel-sub001/internal/vmm"
)

// fakeRunQueue is the same minimal scheduler stand-in
// internal/ipc/channel's tests use: ScheduleThread just queues the
// thread, and drive() resumes everything queued, synchronously, until
// none remain.
type fakeRunQueue struct {
	spawned chan *kthread.Thread
}

func newFakeRunQueue() *fakeRunQueue { return &fakeRunQueue{spawned: make(chan *kthread.Thread, 64)} }

func (r *fakeRunQueue) ScheduleThread(t *kthread.Thread) { r.spawned <- t }

func (r *fakeRunQueue) drive() {
	for {
		select {
		case t := <-r.spawned:
			kthread.NewRunner(t).Resume()
		default:
			return
		}
	}
}

func newTestSpace(t *testing.T) *vaspace.AddressSpace {
	t.Helper()
	frames := kpage.New(0x2000_0000, 4096, nil)
	mem := kpage.NewPhysMem()
	vmgr := vmm.NewManager(frames, &except.HostCPUContext{})
	return vaspace.New(vmgr, frames, mem, 0x1000, 0x1000_0000)
}

func TestSpawnThenWaitReturnsExitStatus(t *testing.T) {
	rq := newFakeRunQueue()
	parent := New(newTestSpace(t), rq)

	childFD, child, err := Spawn(parent, rq, newTestSpace(t), 0x8000,
		func(ct *kthread.Thread, childEnd *channel.Endpoint) {
			child := ct.Process.(*Process)
			child.Exit(42)
		})
	require.NoError(t, err)
	require.GreaterOrEqual(t, childFD, 0)

	waiter := kthread.NewRunner(kthread.NewKernelThread(func(wt *kthread.Thread) {
		status := child.Wait(wt)
		require.Equal(t, int64(42), status)
	}))
	rq.drive() // runs the spawned child thread, which exits with status 42
	waiter.Resume()
	waiter.WaitParked()
}

func TestSpawnHandsChildEndOfFreshChannel(t *testing.T) {
	rq := newFakeRunQueue()
	parent := New(newTestSpace(t), rq)

	gotTag := make(chan uint64, 1)
	_, child, err := Spawn(parent, rq, newTestSpace(t), 0x8000,
		func(ct *kthread.Thread, childEnd *channel.Endpoint) {
			msg, recvErr := childEnd.Recv(ct)
			require.NoError(t, recvErr)
			gotTag <- msg.Tag
		})
	require.NoError(t, err)

	localObj, err := parent.FDs.Get(0)
	require.NoError(t, err)
	local, ok := localObj.Impl().(*channel.Endpoint)
	require.True(t, ok)

	rq.drive() // starts the child thread, which parks in childEnd.Recv

	sender := kthread.NewRunner(kthread.NewKernelThread(func(st *kthread.Thread) {
		require.NoError(t, local.Send(st, channel.Message{Tag: 7}))
	}))
	sender.Resume()
	sender.WaitParked()
	rq.drive() // wakes the parked receiver with the delivered message

	require.Equal(t, uint64(7), <-gotTag)
	_ = child
}

func TestForkSharesFDTableEntriesWithSeparateRefs(t *testing.T) {
	rq := newFakeRunQueue()
	parent := New(newTestSpace(t), rq)

	local, _ := channel.NewPair(rq, 4)
	fd := parent.FDs.Insert(kobject.New(local))
	require.Equal(t, 0, fd)

	child, err := parent.Fork(rq)
	require.NoError(t, err)
	require.Equal(t, parent.FDs.Len(), child.FDs.Len())

	obj, err := child.FDs.Get(fd)
	require.NoError(t, err)
	require.Equal(t, int64(2), obj.RefCount(), "fork must ref the shared object, not copy it")
}

func TestExitIsIdempotentAndWakesAllWaiters(t *testing.T) {
	rq := newFakeRunQueue()
	p := New(newTestSpace(t), rq)

	const numWaiters = 3
	results := make(chan int64, numWaiters)
	runners := make([]*kthread.Runner, numWaiters)
	for i := 0; i < numWaiters; i++ {
		runners[i] = kthread.NewRunner(kthread.NewKernelThread(func(wt *kthread.Thread) {
			results <- p.Wait(wt)
		}))
	}
	for _, r := range runners {
		r.Resume()
		r.WaitParked()
	}

	p.Exit(5)
	p.Exit(9) // no-op; first exit status sticks
	rq.drive()

	for i := 0; i < numWaiters; i++ {
		require.Equal(t, int64(5), <-results)
	}
}
