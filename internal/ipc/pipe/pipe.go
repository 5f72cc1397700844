// Package pipe implements spec.md §4.8's pipe: a bounded byte ring with
// read and write endpoints, where EOF is signalled once every write
// endpoint has closed.
//
// Grounded on the same internal/ksync.WaitQueue blocking discipline as
// internal/ipc/channel (itself grounded on iouringfs.go's serialization
// idiom), with the ring itself plain stdlib slice indexing — a fixed
// byte ring is a dozen lines and no pack library specializes one for
// this shape.
package pipe

import (
	"github.com/pincerOS/kernel-sub001/internal/errno"
	"github.com/pincerOS/kernel-sub001/internal/kobject"
	"github.com/pincerOS/kernel-sub001/internal/ksync"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
)

type ring struct {
	mu        ksync.InterruptSpinLock
	buf       []byte
	readIdx   int
	writeIdx  int
	count     int
	writers   int // live write-end refcount; EOF once this reaches 0
	notEmpty  *ksync.WaitQueue
	notFull   *ksync.WaitQueue
}

func newRing(rq ksync.RunQueue, capacity int) *ring {
	return &ring{
		buf:      make([]byte, capacity),
		writers:  1,
		notEmpty: ksync.NewWaitQueue(rq),
		notFull:  ksync.NewWaitQueue(rq),
	}
}

// ReadEnd is the reading side of a pipe.
type ReadEnd struct{ r *ring }

// WriteEnd is the writing side of a pipe.
type WriteEnd struct{ r *ring }

// New constructs a pipe of the given byte capacity, matching spec.md
// §6.1's `pipe` syscall returning (rx_fd, tx_fd).
func New(rq ksync.RunQueue, capacity int) (*ReadEnd, *WriteEnd) {
	r := newRing(rq, capacity)
	return &ReadEnd{r: r}, &WriteEnd{r: r}
}

// Kind implements kobject.Impl.
func (e *ReadEnd) Kind() kobject.Kind { return kobject.KindPipeEnd }

// Close implements kobject.Impl: wakes any writer blocked on a full
// buffer. No reader-closed state is recorded, so a woken writer finds the
// ring still full and parks again; neither this package nor the syscall
// layer fails such writes.
func (e *ReadEnd) Close() error {
	e.r.notFull.WakeAll()
	return nil
}

// Kind implements kobject.Impl.
func (e *WriteEnd) Kind() kobject.Kind { return kobject.KindPipeEnd }

// Dup marks an additional live writer, for fork/dup3 duplicating this
// end — EOF is only signalled once every duplicate has closed.
func (e *WriteEnd) Dup() {
	g := e.r.mu.Lock()
	e.r.writers++
	g.Unlock()
}

// Close implements kobject.Impl: decrements the live-writer count,
// signalling EOF to a blocked reader once it reaches zero.
func (e *WriteEnd) Close() error {
	g := e.r.mu.Lock()
	e.r.writers--
	eof := e.r.writers == 0
	g.Unlock()
	if eof {
		e.r.notEmpty.WakeAll()
	}
	return nil
}

// Read blocks while the ring is empty and at least one writer remains
// open, then copies up to len(p) bytes out, returning the number read.
// Once the ring is empty and every writer has closed, Read returns 0
// bytes with no error (EOF).
func (e *ReadEnd) Read(t *kthread.Thread, p []byte) (int, error) {
	r := e.r
	g := r.mu.Lock()
	for r.count == 0 {
		if r.writers == 0 {
			g.Unlock()
			return 0, nil
		}
		r.notEmpty.Park(t, func() { g.Unlock() })
		g = r.mu.Lock()
	}
	n := 0
	for n < len(p) && r.count > 0 {
		p[n] = r.buf[r.readIdx]
		r.readIdx = (r.readIdx + 1) % len(r.buf)
		r.count--
		n++
	}
	g.Unlock()
	r.notFull.WakeOne()
	return n, nil
}

// Write blocks while the ring is full, then copies p in, returning the
// number of bytes written. Write does not detect a closed read end and
// never returns errno.EPIPE: writing after the reader has closed fills
// the ring and then blocks, and a writer blocked on a full ring stays
// blocked after the read end closes. Back-pressure is provided entirely
// by notFull blocking.
func (e *WriteEnd) Write(t *kthread.Thread, p []byte) (int, error) {
	r := e.r
	n := 0
	for n < len(p) {
		g := r.mu.Lock()
		for r.count == len(r.buf) {
			r.notFull.Park(t, func() { g.Unlock() })
			g = r.mu.Lock()
		}
		for n < len(p) && r.count < len(r.buf) {
			r.buf[r.writeIdx] = p[n]
			r.writeIdx = (r.writeIdx + 1) % len(r.buf)
			r.count++
			n++
		}
		g.Unlock()
		r.notEmpty.WakeOne()
	}
	return n, nil
}

// TryRead is Read's non-blocking variant: returns errno.EAGAIN if the
// ring is empty and a writer remains open.
func (e *ReadEnd) TryRead(p []byte) (int, error) {
	r := e.r
	g := r.mu.Lock()
	defer g.Unlock()
	if r.count == 0 {
		if r.writers == 0 {
			return 0, nil
		}
		return 0, errno.EAGAIN
	}
	n := 0
	for n < len(p) && r.count > 0 {
		p[n] = r.buf[r.readIdx]
		r.readIdx = (r.readIdx + 1) % len(r.buf)
		r.count--
		n++
	}
	return n, nil
}
