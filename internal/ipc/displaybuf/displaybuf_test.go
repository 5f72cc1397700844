package displaybuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pincerOS/kernel-sub001/internal/kobject"
	"github.com/pincerOS/kernel-sub001/internal/ksync"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
)

func TestEventQueueTrySendInvariant(t *testing.T) {
	var q EventQueue
	for i := 0; i < ringCapacity; i++ {
		require.True(t, q.TrySend(Event{Kind: EventInput}))
		diff := (q.head.Load() - q.tail.Load()) % (2 * ringCapacity)
		require.GreaterOrEqual(t, diff, uint32(1))
		require.LessOrEqual(t, diff, uint32(ringCapacity))
	}
	require.False(t, q.TrySend(Event{Kind: EventInput}), "ring must report full at capacity")
}

func TestEventQueueTryRecvInvariant(t *testing.T) {
	var q EventQueue
	require.True(t, q.TrySend(Event{Kind: EventPresent}))
	require.True(t, q.TrySend(Event{Kind: EventPresent}))

	e, ok := q.TryRecv()
	require.True(t, ok)
	require.Equal(t, EventPresent, e.Kind)
	diff := (q.head.Load() - q.tail.Load()) % (2 * ringCapacity)
	require.LessOrEqual(t, diff, uint32(ringCapacity-1))

	_, ok = q.TryRecv()
	require.True(t, ok)
	_, ok = q.TryRecv()
	require.False(t, ok, "ring must report empty once drained")
}

func TestEventQueueFIFOOrder(t *testing.T) {
	var q EventQueue
	for i := uint64(0); i < 5; i++ {
		require.True(t, q.TrySend(Event{Kind: EventInput, Data: [7]uint64{i}}))
	}
	for i := uint64(0); i < 5; i++ {
		e, ok := q.TryRecv()
		require.True(t, ok)
		require.Equal(t, i, e.Data[0])
	}
}

func TestServerClientBufferRoundTrip(t *testing.T) {
	rq := &fakeRunQueue{}
	semObj := kobject.NewSemaphore(rq, 0)

	server, err := NewServer(semObj, 1, 64, 48, 4)
	if err != nil {
		t.Skipf("memfd_create unavailable in this sandbox: %v", err)
	}
	defer server.Close()

	require.Equal(t, Magic, server.header.Magic)
	require.Equal(t, Version, server.header.Version)
	require.Len(t, server.VMem(), 64*48*4)

	require.True(t, server.SendToServer(Event{Kind: EventInput, Data: [7]uint64{InputKey, 1, uint64(A)}}))
	e, ok := server.RecvFromClient()
	require.True(t, ok)
	require.Equal(t, EventInput, e.Kind)

	server.Present(42)
	require.Equal(t, uint64(42), server.header.Video.PresentTS)
}

func TestScanCodeRuneLookup(t *testing.T) {
	r, ok := A.Rune(false)
	require.True(t, ok)
	require.Equal(t, 'a', r)

	r, ok = A.Rune(true)
	require.True(t, ok)
	require.Equal(t, 'A', r)

	_, ok = F1.Rune(false)
	require.False(t, ok, "function keys have no printable character")
}

type fakeRunQueue struct{}

func (fakeRunQueue) ScheduleThread(t *kthread.Thread) {}

var _ ksync.RunQueue = fakeRunQueue{}
