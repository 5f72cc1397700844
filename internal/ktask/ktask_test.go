package ktask

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pincerOS/kernel-sub001/internal/except"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
)

type fakeRunQueue struct {
	scheduled chan *kthread.Thread
}

func newFakeRunQueue() *fakeRunQueue {
	return &fakeRunQueue{scheduled: make(chan *kthread.Thread, 8)}
}

func (f *fakeRunQueue) ScheduleThread(t *kthread.Thread) {
	f.scheduled <- t
}

func TestRunAsyncHandlerReturnsImmediatelyWhenHandlerFinishesFast(t *testing.T) {
	rq := newFakeRunQueue()
	table := NewTable()
	th := kthread.NewKernelThread(nil)
	ctx := &except.Context{SPSR: except.SPSREL1h}

	got := RunAsyncHandler(ctx, th, rq, table, nil, func(hc *HandlerContext) {
		hc.ResumeFinal()
	})
	require.Same(t, ctx, got)
	require.Equal(t, 0, table.Len())
}

func TestRunAsyncHandlerSuspendsAndResumes(t *testing.T) {
	rq := newFakeRunQueue()
	table := NewTable()
	th := kthread.NewKernelThread(nil)
	ctx := &except.Context{SPSR: except.SPSREL1h}

	unblock := make(chan struct{})
	got := RunAsyncHandler(ctx, th, rq, table, nil, func(hc *HandlerContext) {
		<-unblock
		hc.Resume()
	})
	require.Equal(t, &th.LastContext, got)
	require.Equal(t, 1, table.Len())

	close(unblock)

	select {
	case woken := <-rq.scheduled:
		require.Same(t, th, woken)
	case <-time.After(time.Second):
		t.Fatal("thread was never rescheduled")
	}
}

func TestResumeDuringFirstPollAvoidsSuspend(t *testing.T) {
	rq := newFakeRunQueue()
	table := NewTable()
	th := kthread.NewKernelThread(nil)
	ctx := &except.Context{SPSR: except.SPSREL1h}

	done := make(chan struct{})
	got := RunAsyncHandler(ctx, th, rq, table, nil, func(hc *HandlerContext) {
		hc.Resume()
		close(done)
	})
	require.Same(t, ctx, got)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler goroutine never completed")
	}
	require.Equal(t, 0, table.Len())
	select {
	case <-rq.scheduled:
		t.Fatal("thread should not have been separately rescheduled; it never left the core")
	default:
	}
}
