// Package channel implements spec.md §4.8's channel: a bounded-capacity
// message queue with two endpoints, each message carrying a 64-bit tag,
// up to four transferable object descriptors, and an opaque byte
// payload. Transferring a descriptor atomically moves it from the
// sender's fd table to the receiver's — this package only handles the
// atomic hand-off of the *kobject.Object references themselves; the
// syscall layer is responsible for removing them from the sender's
// internal/kobject.Table and inserting them into the receiver's.
//
// Grounded on iouringfs.go's ProcessSubmissions serialization idiom — a
// single CAS-guarded "owner" plus a capacity-1 wakeup channel protecting
// a critical section other callers park on — generalized here to a
// bounded ring guarded by internal/ksync's WaitQueue (the codebase's
// standard blocking-primitive shape, see internal/ksync.Semaphore) so a
// blocked send/recv is a real scheduler suspension point per spec.md §5,
// rather than a bare Go channel a goroutine parks on outside the
// scheduler's accounting.
package channel

import (
	"github.com/pincerOS/kernel-sub001/internal/errno"
	"github.com/pincerOS/kernel-sub001/internal/kobject"
	"github.com/pincerOS/kernel-sub001/internal/ksync"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
)

// MaxObjects is the per-message descriptor-transfer limit spec.md §4.8
// fixes at four.
const MaxObjects = 4

// Message is one channel message: a tag, up to MaxObjects transferred
// object descriptors, and an opaque payload.
type Message struct {
	Tag     uint64
	Objects []*kobject.Object
	Payload []byte
}

// inbox is the message queue one direction of a channel delivers into.
// Close marks the inbox as no longer accepting sends and wakes anyone
// parked on it — a receiver blocked on Recv wakes to drain what remains
// then observe Closed; a sender blocked on the peer's full queue, whose
// peer then closes, is never the case that matters here since Close only
// wakes this inbox's own waiters (see Endpoint.Close).
type inbox struct {
	mu       ksync.InterruptSpinLock
	capacity int
	messages []Message
	closed   bool
	notEmpty *ksync.WaitQueue
	notFull  *ksync.WaitQueue
}

func newInbox(rq ksync.RunQueue, capacity int) *inbox {
	return &inbox{
		capacity: capacity,
		notEmpty: ksync.NewWaitQueue(rq),
		notFull:  ksync.NewWaitQueue(rq),
	}
}

// Endpoint is one side of a channel. mine is the inbox this endpoint
// receives from; theirs is the inbox this endpoint sends into (the
// peer's mine).
type Endpoint struct {
	mine  *inbox
	theirs *inbox
}

// NewPair constructs a connected channel: spec.md §6.1's `channel`
// syscall returns (fd_local, fd_remote) wrapping the two *Endpoint this
// returns.
func NewPair(rq ksync.RunQueue, capacity int) (local, remote *Endpoint) {
	a := newInbox(rq, capacity)
	b := newInbox(rq, capacity)
	return &Endpoint{mine: a, theirs: b}, &Endpoint{mine: b, theirs: a}
}

// Kind implements kobject.Impl.
func (e *Endpoint) Kind() kobject.Kind { return kobject.KindChannelEnd }

// Close implements kobject.Impl: marks this endpoint's receiving inbox
// closed and wakes any thread parked receiving from it, so a blocked
// Recv observes spec.md §4.9's "receive on a closed channel returns a
// distinguished CLOSED code," and any peer Send targeting this inbox
// observes EPIPE without blocking.
func (e *Endpoint) Close() error {
	g := e.mine.mu.Lock()
	e.mine.closed = true
	g.Unlock()
	e.mine.notEmpty.WakeAll()
	e.mine.notFull.WakeAll()
	return nil
}

// Send blocks while the peer's inbox is full, then appends msg, waking
// one blocked receiver. Returns errno.EPIPE immediately, without
// blocking, if the peer has closed — spec.md §4.9's "IPC send to a
// closed endpoint returns an error without blocking."
func (e *Endpoint) Send(t *kthread.Thread, msg Message) error {
	target := e.theirs
	g := target.mu.Lock()
	for {
		if target.closed {
			g.Unlock()
			return errno.EPIPE
		}
		if len(target.messages) < target.capacity {
			break
		}
		target.notFull.Park(t, func() { g.Unlock() })
		g = target.mu.Lock()
	}
	for _, obj := range msg.Objects {
		obj.Ref()
	}
	target.messages = append(target.messages, msg)
	g.Unlock()

	target.notEmpty.WakeOne()
	return nil
}

// TrySend is Send's non-blocking variant: returns errno.EAGAIN instead of
// parking when the peer's inbox is full.
func (e *Endpoint) TrySend(msg Message) error {
	target := e.theirs
	g := target.mu.Lock()
	if target.closed {
		g.Unlock()
		return errno.EPIPE
	}
	if len(target.messages) >= target.capacity {
		g.Unlock()
		return errno.EAGAIN
	}
	for _, obj := range msg.Objects {
		obj.Ref()
	}
	target.messages = append(target.messages, msg)
	g.Unlock()

	target.notEmpty.WakeOne()
	return nil
}

// Recv blocks while this endpoint's inbox is empty and open, then
// dequeues the oldest message. Once the inbox is both closed and
// drained, Recv returns errno.ECLOSD.
func (e *Endpoint) Recv(t *kthread.Thread) (Message, error) {
	own := e.mine
	g := own.mu.Lock()
	for len(own.messages) == 0 {
		if own.closed {
			g.Unlock()
			return Message{}, errno.ECLOSD
		}
		own.notEmpty.Park(t, func() { g.Unlock() })
		g = own.mu.Lock()
	}
	msg := own.messages[0]
	own.messages = own.messages[1:]
	g.Unlock()

	own.notFull.WakeOne()
	return msg, nil
}

// TryRecv is Recv's non-blocking variant: returns errno.EAGAIN when the
// inbox is empty but still open, or errno.ECLOSD when empty and closed.
func (e *Endpoint) TryRecv() (Message, error) {
	own := e.mine
	g := own.mu.Lock()
	defer g.Unlock()
	if len(own.messages) == 0 {
		if own.closed {
			return Message{}, errno.ECLOSD
		}
		return Message{}, errno.EAGAIN
	}
	msg := own.messages[0]
	own.messages = own.messages[1:]
	return msg, nil
}

// Pending reports the number of messages currently queued for this
// endpoint to receive. Intended for tests and metrics.
func (e *Endpoint) Pending() int {
	g := e.mine.mu.Lock()
	defer g.Unlock()
	return len(e.mine.messages)
}
