// Package displaybuf implements spec.md §4.8/§6.3's shared-memory
// display buffer: a fixed C-ABI layout at offset 0 of a memfd-backed
// region, two 128-slot SPSC event rings, and the present-semaphore
// hand-off between a display server and its client.
//
// Grounded on b2ee6ee6_ehrlich-b-go-iouring's ring.go for the mmap'd
// ring-with-atomic-head/tail shape (SQReady/CQReady-style acquire/release
// accounting) and 6e986293_AlephTX-aleph-tx's feeder/shm/seqlock.go for
// backing a wire-format struct with a real memfd+mmap region rather than
// a plain Go slice — both model "shared memory is untrusted, so accesses
// use explicit atomics/fences, never a trusted reference held across a
// read," which is exactly the discipline spec.md §4.8's ring-buffer
// correctness contract demands. The wire layout and scancode table are
// taken directly from original_source/crates/display-proto/src/lib.rs.
package displaybuf

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pincerOS/kernel-sub001/internal/kobject"
	"github.com/pincerOS/kernel-sub001/internal/kthread"
)

// Magic is the fixed ASCII-derived magic value "SBUF": the bytes
// S,B,U,F (0x53,0x42,0x55,0x46) in memory order, which a little-endian
// u32 load reads as 0x46554253.
const Magic uint32 = 0x46554253

// Version is the only defined wire version.
const Version uint32 = 1

// ringCapacity is the fixed SPSC event-ring slot count.
const ringCapacity = 128

// EventKind tags a 64-byte ring event.
type EventKind uint64

const (
	EventUnset        EventKind = 0
	EventPresent       EventKind = 1
	EventInput         EventKind = 2
	EventDisconnect    EventKind = 3
	EventRequestClose  EventKind = 5
)

// Input sub-kinds, carried in Event.Data[0] when Kind == EventInput.
const (
	InputKey    uint64 = 1 // data1=mode (1 press, 2 release, 3 repeat), data2=scancode
	InputMouse  uint64 = 2 // data1=mode (1 move, 2 down, 3 up), data2=x, data3=y, data4=button
	InputScroll uint64 = 3 // data1=x delta, data2=y delta
)

// Event is the fixed 64-byte ring record: an 8-byte kind tag plus seven
// 8-byte data words.
type Event struct {
	Kind EventKind
	Data [7]uint64
}

const eventSize = 8 * 8

func init() {
	if unsafe.Sizeof(Event{}) != eventSize {
		panic("displaybuf: Event must be exactly 64 bytes")
	}
}

// EventQueue is a 128-slot SPSC ring. The producer writes the slot then
// advances head with an atomic add (the fence spec.md §4.8 requires
// before the slot becomes visible); the consumer reads head to detect
// new data, reads the slot, then advances tail. Neither side trusts the
// other: both always arithmetic-check head/tail against slot count
// rather than following a pointer the other side could have corrupted.
type EventQueue struct {
	head  atomic.Uint32
	elems [ringCapacity]Event
	tail  atomic.Uint32
}

func full(head, tail uint32) bool  { return head == tail+ringCapacity }
func empty(head, tail uint32) bool { return head == tail }

// TrySend writes e into the next free slot, reporting false if the ring
// is full. Matches spec.md §8's invariant: immediately after a
// successful TrySend, head-tail (mod 2N) is in [1, N].
func (q *EventQueue) TrySend(e Event) bool {
	head := q.head.Load()
	tail := q.tail.Load()
	if full(head, tail) {
		return false
	}
	q.elems[head%ringCapacity] = e
	q.head.Add(1)
	return true
}

// TryRecv reads the oldest unread slot, reporting ok=false if the ring is
// empty. Matches spec.md §8's invariant: immediately after a successful
// TryRecv, head-tail is in [0, N-1].
func (q *EventQueue) TryRecv() (e Event, ok bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if empty(head, tail) {
		return Event{}, false
	}
	e = q.elems[tail%ringCapacity]
	q.tail.Add(1)
	return e, true
}

// GlobalMeta describes the segment and the vmem sub-region within it.
type GlobalMeta struct {
	SegmentSize uint32
	VMemOffset  uint32
	VMemSize    uint32
}

// VideoMeta describes the framebuffer format.
type VideoMeta struct {
	Width, Height, RowStride uint16
	BytesPerPixel, BitLayout uint8
	PresentTS                uint64
}

// TermMeta describes the text-console grid, when present.
type TermMeta struct {
	Rows, Cols uint16
}

// Header is the fixed C-ABI layout at offset 0 of the shared segment.
type Header struct {
	Version    uint32
	Magic      uint32
	KillSwitch uint32
	LastWords  [32]byte

	Meta GlobalMeta

	ClientToServer EventQueue
	ServerToClient EventQueue

	Video VideoMeta
	Term  TermMeta

	PresentSemDesc uint32
}

var ErrBadMagic = errors.New("displaybuf: magic mismatch")
var ErrBadVersion = errors.New("displaybuf: unsupported version")

// Buffer is a mapped display-buffer segment: the Header plus the vmem
// region it describes.
type Buffer struct {
	fd         int
	mem        []byte
	header     *Header
	vmem       []byte
	presentSem *kobject.Object
}

func pageRoundUp(n uint32) uint32 {
	const page = 4096
	return (n + page - 1) &^ (page - 1)
}

// NewServer creates a fresh memfd-backed segment sized for a
// width x height x bytesPerPixel framebuffer, owned by the display
// server. presentSem is the kernel semaphore object the server raises
// after copying a client's vmem into the master framebuffer.
func NewServer(presentSem *kobject.Object, presentSemFD uint32, width, height uint16, bytesPerPixel uint8) (*Buffer, error) {
	headerSize := uint32(unsafe.Sizeof(Header{}))
	vmemOffset := pageRoundUp(headerSize)
	rowStride := width * uint16(bytesPerPixel)
	vmemSize := uint32(rowStride) * uint32(height)
	segmentSize := vmemOffset + vmemSize

	fd, err := unix.MemfdCreate("display-buffer", 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(segmentSize)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	mem, err := unix.Mmap(fd, 0, int(segmentSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	b := &Buffer{fd: fd, mem: mem, presentSem: presentSem}
	b.header = (*Header)(unsafe.Pointer(&mem[0]))
	b.header.Version = Version
	b.header.Magic = Magic
	b.header.Meta = GlobalMeta{SegmentSize: segmentSize, VMemOffset: vmemOffset, VMemSize: vmemSize}
	b.header.Video = VideoMeta{Width: width, Height: height, RowStride: rowStride, BytesPerPixel: bytesPerPixel}
	b.header.PresentSemDesc = presentSemFD
	b.vmem = mem[vmemOffset:segmentSize]
	return b, nil
}

// OpenClient maps an existing display-buffer segment handed to a client
// process (e.g. via a channel-transferred memfd), validating the magic
// and version fields.
func OpenClient(fd int, presentSem *kobject.Object) (*Buffer, error) {
	headerSize := int(unsafe.Sizeof(Header{}))
	probe, err := unix.Mmap(fd, 0, headerSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	probeHeader := (*Header)(unsafe.Pointer(&probe[0]))
	magic := probeHeader.Magic
	version := probeHeader.Version
	segmentSize := probeHeader.Meta.SegmentSize
	unix.Munmap(probe)

	if magic != Magic {
		return nil, ErrBadMagic
	}
	if version != Version {
		return nil, ErrBadVersion
	}

	mem, err := unix.Mmap(fd, 0, int(segmentSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	b := &Buffer{fd: fd, mem: mem, presentSem: presentSem}
	b.header = (*Header)(unsafe.Pointer(&mem[0]))
	b.vmem = mem[b.header.Meta.VMemOffset : b.header.Meta.VMemOffset+b.header.Meta.VMemSize]
	return b, nil
}

// Close unmaps the segment and closes the backing memfd.
func (b *Buffer) Close() error {
	if err := unix.Munmap(b.mem); err != nil {
		return err
	}
	return unix.Close(b.fd)
}

// FD returns the memfd backing this segment, for transferring to a
// client through a channel message.
func (b *Buffer) FD() int { return b.fd }

// VMem returns the client-writable framebuffer region.
func (b *Buffer) VMem() []byte { return b.vmem }

// SendToServer enqueues e on the client-to-server ring.
func (b *Buffer) SendToServer(e Event) bool { return b.header.ClientToServer.TrySend(e) }

// RecvFromClient dequeues the oldest client-to-server event.
func (b *Buffer) RecvFromClient() (Event, bool) { return b.header.ClientToServer.TryRecv() }

// SendToClient enqueues e on the server-to-client ring.
func (b *Buffer) SendToClient(e Event) bool { return b.header.ServerToClient.TrySend(e) }

// RecvFromServer dequeues the oldest server-to-client event.
func (b *Buffer) RecvFromServer() (Event, bool) { return b.header.ServerToClient.TryRecv() }

// Present is called by the server once it has copied the client's vmem
// into the master framebuffer; it raises the present semaphore so a
// client blocked in WaitPresent proceeds to draw its next frame.
func (b *Buffer) Present(presentTS uint64) {
	b.header.Video.PresentTS = presentTS
	if sem, ok := kobject.AsSemaphore(b.presentSem); ok {
		sem.Up()
	}
}

// WaitPresent blocks the calling thread until the server signals the
// present semaphore, per spec.md §4.8: "the client blocks on it before
// drawing the next frame."
func (b *Buffer) WaitPresent(t *kthread.Thread) {
	if sem, ok := kobject.AsSemaphore(b.presentSem); ok {
		sem.Down(t)
	}
}

// KillSwitch reports whether the server has asked every client to stop
// rendering immediately (e.g. on shutdown).
func (b *Buffer) KillSwitch() bool {
	return atomic.LoadUint32(&b.header.KillSwitch) != 0
}

// SetKillSwitch raises or lowers the kill switch.
func (b *Buffer) SetKillSwitch(on bool) {
	var v uint32
	if on {
		v = 1
	}
	atomic.StoreUint32(&b.header.KillSwitch, v)
}
