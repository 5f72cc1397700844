// Package kpage implements spec.md §4.1's physical frame allocator: a
// bitmap over a boot-discovered usable range, an interrupt-masking
// spinlock around it, and the alloc_frame/alloc_range operations.
//
// Grounded on 0148d0a4_google-page-alloc-bench (page/frame counter
// naming: pagesAllocated/pagesFreed) and
// 8ba31cb4_Oichkatzelesfrettschen-biscuit's as.go bitmap-scan allocator
// for the scan-over-a-bitmap shape. The bitmap scan itself is
// plain stdlib: no pack library models a fixed-range physical bitmap
// allocator, and the scan is a few dozen lines of bit twiddling that
// would gain nothing from a dependency.
//
// Allocation is next-fit, not first-fit: each scan starts at the frame
// after the previous allocation (rounded down to the requested
// alignment) and wraps to index 0 once, so a freed frame below that
// cursor is not handed out again until a scan wraps round to it.
package kpage

import (
	"fmt"

	"github.com/pincerOS/kernel-sub001/internal/errno"
	"github.com/pincerOS/kernel-sub001/internal/kmetrics"
	"github.com/pincerOS/kernel-sub001/internal/ksync"
)

const (
	// PageSize4K is the standard 4 KiB frame size.
	PageSize4K = 4 << 10
	// PageSize2M is the huge-page frame size; alloc_frame(Size2MiB)
	// requests must return a 2 MiB-aligned physical address.
	PageSize2M = 2 << 20
)

// Size identifies the two frame sizes spec.md §3 names.
type Size int

const (
	Size4KiB Size = iota
	Size2MiB
)

func (s Size) bytes() uint64 {
	if s == Size2MiB {
		return PageSize2M
	}
	return PageSize4K
}

// Owner tags the allocation-state of a frame: spec.md §3's "free,
// allocated-to-kernel, allocated-to-user-space-X, or reserved."
type Owner int32

const (
	OwnerFree Owner = iota
	OwnerKernel
	OwnerUser
	OwnerReserved
)

// Frame is the {paddr, vaddr} pair alloc_frame returns.
type Frame struct {
	PAddr uint64
	VAddr uint64
	Size  Size
}

// Allocator is the single global frame allocator: a bitmap, one bit per
// 4 KiB frame, over [base, base+frames*4KiB), protected by an
// interrupt-masking spinlock per spec.md §5.
type Allocator struct {
	mu ksync.InterruptSpinLock

	base       uint64 // physical base address of the usable range
	vbase      uint64 // identity-mapped virtual base (host model: base == vbase)
	numFrames  uint64
	bitmap     []uint64 // one bit per 4 KiB frame; set == allocated/reserved
	owners     []Owner
	nextScan uint64 // next-fit scan cursor, to avoid rescanning from 0 every time

	metrics *kmetrics.Registry
}

// New constructs an allocator over a boot-discovered usable physical
// range of numFrames 4 KiB frames starting at physAddrBase. Exhaustion
// handling is chosen per call, not here: AllocFrame panics (kernel-heap
// allocation) and AllocFrameUser returns errno.ENOMEM (user-facing
// allocators like mmap).
func New(physAddrBase uint64, numFrames uint64, metrics *kmetrics.Registry) *Allocator {
	words := (numFrames + 63) / 64
	return &Allocator{
		base:      physAddrBase,
		vbase:     physAddrBase,
		numFrames: numFrames,
		bitmap:    make([]uint64, words),
		owners:    make([]Owner, numFrames),
		metrics:   metrics,
	}
}

func (a *Allocator) framesFor(size Size) uint64 {
	return size.bytes() / PageSize4K
}

func (a *Allocator) testBit(i uint64) bool {
	return a.bitmap[i/64]&(1<<(i%64)) != 0
}

func (a *Allocator) setBit(i uint64) {
	a.bitmap[i/64] |= 1 << (i % 64)
}

func (a *Allocator) clearBit(i uint64) {
	a.bitmap[i/64] &^= 1 << (i % 64)
}

// findRunLocked scans for `count` consecutive free frames whose starting
// index satisfies the given alignment (in frames), wrapping once past
// numFrames. Caller must hold mu.
func (a *Allocator) findRunLocked(count, alignFrames uint64) (uint64, bool) {
	if alignFrames == 0 {
		alignFrames = 1
	}
	start := a.nextScan - (a.nextScan % alignFrames)
	for pass := 0; pass < 2; pass++ {
		for i := start; i+count <= a.numFrames; i += alignFrames {
			ok := true
			for j := uint64(0); j < count; j++ {
				if a.testBit(i + j) {
					ok = false
					i += j - j%alignFrames // next candidate: first aligned index past the known-busy frame
					break
				}
			}
			if ok {
				return i, true
			}
		}
		start = 0
	}
	return 0, false
}

func (a *Allocator) markLocked(i, count uint64, owner Owner) {
	for j := uint64(0); j < count; j++ {
		a.setBit(i + j)
		a.owners[i+j] = owner
	}
	a.nextScan = (i + count) % a.numFrames
}

// AllocFrame allocates a single frame of the given size for owner. Panics
// on exhaustion (kernel-heap discipline); see AllocFrameUser for the
// error-returning variant.
func (a *Allocator) AllocFrame(size Size, owner Owner) Frame {
	f, err := a.alloc(size, owner)
	if err != nil {
		panic(fmt.Sprintf("kpage: out of physical frames allocating %d bytes", size.bytes()))
	}
	return f
}

// AllocFrameUser is alloc_frame's user-facing (mmap) variant: it returns
// errno.ENOMEM instead of panicking on exhaustion.
func (a *Allocator) AllocFrameUser(size Size) (Frame, error) {
	return a.alloc(size, OwnerUser)
}

func (a *Allocator) alloc(size Size, owner Owner) (Frame, error) {
	count := a.framesFor(size)
	align := count // huge pages must start on a 2 MiB-aligned frame index

	g := a.mu.Lock()
	idx, ok := a.findRunLocked(count, align)
	if !ok {
		g.Unlock()
		return Frame{}, errno.ENOMEM
	}
	a.markLocked(idx, count, owner)
	g.Unlock()

	if a.metrics != nil {
		a.metrics.FramesAllocated.Add(float64(count))
		a.metrics.FramesInUse.Add(float64(count))
	}

	paddr := a.base + idx*PageSize4K
	return Frame{PAddr: paddr, VAddr: a.vbase + idx*PageSize4K, Size: size}, nil
}

// AllocRange allocates a contiguous range of size bytes (rounded up to a
// 4 KiB multiple), aligned to align bytes (rounded up to a frame), for
// owner.
func (a *Allocator) AllocRange(size, align uint64, owner Owner) (Frame, error) {
	count := (size + PageSize4K - 1) / PageSize4K
	if count == 0 {
		count = 1
	}
	alignFrames := (align + PageSize4K - 1) / PageSize4K
	if alignFrames == 0 {
		alignFrames = 1
	}

	g := a.mu.Lock()
	idx, ok := a.findRunLocked(count, alignFrames)
	if !ok {
		g.Unlock()
		return Frame{}, errno.ENOMEM
	}
	a.markLocked(idx, count, owner)
	g.Unlock()

	if a.metrics != nil {
		a.metrics.FramesAllocated.Add(float64(count))
		a.metrics.FramesInUse.Add(float64(count))
	}

	paddr := a.base + idx*PageSize4K
	return Frame{PAddr: paddr, VAddr: a.vbase + idx*PageSize4K, Size: Size4KiB}, nil
}

// ReserveRange marks [physAddr, physAddr+size) as permanently reserved —
// spec.md §3's "frames allocated for physical-mapped I/O regions are
// never freed automatically" — so it is never handed out by AllocFrame
// or AllocRange, and Free on it is a no-op.
func (a *Allocator) ReserveRange(physAddr, size uint64) {
	if physAddr < a.base {
		return
	}
	start := (physAddr - a.base) / PageSize4K
	count := (size + PageSize4K - 1) / PageSize4K
	g := a.mu.Lock()
	for j := uint64(0); j < count && start+j < a.numFrames; j++ {
		a.setBit(start + j)
		a.owners[start+j] = OwnerReserved
	}
	g.Unlock()
}

// Free releases the frame(s) starting at physAddr of the given size back
// to the free pool. Reserved frames are left untouched.
func (a *Allocator) Free(physAddr uint64, size Size) {
	if physAddr < a.base {
		return
	}
	idx := (physAddr - a.base) / PageSize4K
	count := a.framesFor(size)

	g := a.mu.Lock()
	freed := uint64(0)
	for j := uint64(0); j < count && idx+j < a.numFrames; j++ {
		if a.owners[idx+j] == OwnerReserved {
			continue
		}
		a.clearBit(idx + j)
		a.owners[idx+j] = OwnerFree
		freed++
	}
	g.Unlock()

	if a.metrics != nil && freed > 0 {
		a.metrics.FramesFreed.Add(float64(freed))
		a.metrics.FramesInUse.Add(-float64(freed))
	}
}

// OwnerOf reports the current owner tag of the frame containing
// physAddr. Intended for tests and invariant checks.
func (a *Allocator) OwnerOf(physAddr uint64) Owner {
	if physAddr < a.base {
		return OwnerReserved
	}
	idx := (physAddr - a.base) / PageSize4K
	g := a.mu.Lock()
	defer g.Unlock()
	if idx >= a.numFrames {
		return OwnerReserved
	}
	return a.owners[idx]
}

// FreeFrames reports the number of currently unallocated 4 KiB frames.
func (a *Allocator) FreeFrames() uint64 {
	g := a.mu.Lock()
	defer g.Unlock()
	var free uint64
	for i := uint64(0); i < a.numFrames; i++ {
		if !a.testBit(i) {
			free++
		}
	}
	return free
}
