// Package kobject implements spec.md §3's kernel-object variant: the
// tagged union of everything a file descriptor can name (pipe end,
// channel end, semaphore, shared buffer, file, directory), refcounted so
// a descriptor transferred through a channel message (spec.md §4.8) and
// one still held by the sender's fd table are the same underlying object.
//
// Grounded on gvisor's pkg/vfs.FileDescription tagged-dispatch shape
// (visible in iouringfs.go's ConfigureMMap switch over mmap offsets) for
// the "one concrete type per kind, dispatched through a common handle"
// idiom, adapted from gVisor's full VFS to this spec's six-kind closed
// set. Refcounting is plain stdlib atomic.Int64: no pack library models a
// closed six-variant kernel-object refcount, and gVisor's own
// refs.AtomicRefCount is itself a stdlib-atomic wrapper.
package kobject

import "sync/atomic"

// Kind is the closed set of object variants spec.md §3 names.
type Kind int

const (
	KindPipeEnd Kind = iota
	KindChannelEnd
	KindSemaphore
	KindSharedBuffer
	KindFile
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindPipeEnd:
		return "PipeEnd"
	case KindChannelEnd:
		return "ChannelEnd"
	case KindSemaphore:
		return "Semaphore"
	case KindSharedBuffer:
		return "SharedBuffer"
	case KindFile:
		return "File"
	case KindDirectory:
		return "Directory"
	default:
		return "Unknown"
	}
}

// Impl is the kind-specific behavior a concrete object (pipe end,
// channel end, ...) supplies. Close is called exactly once, when the
// refcount drops to zero.
type Impl interface {
	Kind() Kind
	Close() error
}

// Object is a refcounted handle to an Impl. Transferring an object
// descriptor through a channel message (spec.md §4.8) calls Ref and
// hands the same *Object to the receiver's fd table; closing a table
// entry calls Unref.
type Object struct {
	impl Impl
	refs atomic.Int64
}

// New wraps impl with an initial refcount of 1, as returned by the
// syscall that created it (pipe, channel, sem_create, memfd_create, ...).
func New(impl Impl) *Object {
	o := &Object{impl: impl}
	o.refs.Store(1)
	return o
}

// Kind reports the underlying implementation's kind.
func (o *Object) Kind() Kind { return o.impl.Kind() }

// Impl returns the underlying implementation, for callers that need to
// type-assert to a concrete kind (e.g. *channel.Endpoint).
func (o *Object) Impl() Impl { return o.impl }

// Ref increments the refcount, e.g. when a descriptor is duplicated
// (dup3) or transferred through a channel message.
func (o *Object) Ref() {
	o.refs.Add(1)
}

// Unref decrements the refcount, closing the underlying implementation
// when it reaches zero. Reports whether this call triggered the close.
func (o *Object) Unref() bool {
	if o.refs.Add(-1) == 0 {
		o.impl.Close()
		return true
	}
	return false
}

// RefCount reports the current refcount. Intended for tests.
func (o *Object) RefCount() int64 { return o.refs.Load() }
