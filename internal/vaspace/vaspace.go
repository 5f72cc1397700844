// Package vaspace implements spec.md §4.3's user address space: an
// aggregate owning exactly one top-level user page table plus an ordered
// mapping from virtual-base address to a memory-range node
// {start, size, fd_backing?, is_physical}.
//
// Grounded on gvisor's pkg/sentry/mm (an ordered vma set over an address
// space, Reserve/MMap/Fork/Unmap shape) for the range-map-plus-page-table
// pairing, with the fork semantics replaced per spec.md §4.3/§8: the
// original does copy-on-write, but this spec's fork is an eager
// bounce-buffer byte copy (seed-test scenario 6 requires the two address
// spaces to end up physically distinct immediately, not lazily). The
// ordered range map itself is a sorted slice with binary-search insert —
// plain stdlib sort/sort.Search — since no pack library models a
// disjoint page-range interval set and the slice is a few dozen lines.
package vaspace

import (
	"sort"
	"sync"

	"github.com/pincerOS/kernel-sub001/internal/errno"
	"github.com/pincerOS/kernel-sub001/internal/kpage"
	"github.com/pincerOS/kernel-sub001/internal/vmm"
)

// Range is one entry in the ordered range map: spec.md §4.3's
// {start, size, fd_backing?, is_physical} node. FDBacking is nil when the
// range is anonymous memory.
type Range struct {
	Start      uint64
	Size       uint64
	FDBacking  *int
	IsPhysical bool

	// frames holds the physical frame backing each page of the range, in
	// ascending order, for ranges this address space owns (!IsPhysical).
	// A physical range does not own its frames, so this is nil for one.
	frames []uint64
}

// End returns the exclusive end address of the range.
func (r *Range) End() uint64 { return r.Start + r.Size }

// AddressSpace is spec.md §4.3's per-process aggregate: one top-level
// user page table plus the ordered range map over it.
type AddressSpace struct {
	mu sync.Mutex

	vmgr     *vmm.Manager
	frames   *kpage.Allocator
	mem      *kpage.PhysMem
	topPAddr uint64
	top      *vmm.Table

	ranges []*Range // sorted ascending by Start, disjoint

	minAddr, maxAddr uint64 // bounds searched by the start=0 lowest-gap scan
}

// New allocates a fresh top-level user page table and an empty range map
// searching the given address window for reserve_memory_range(start=0).
func New(vmgr *vmm.Manager, frames *kpage.Allocator, mem *kpage.PhysMem, minAddr, maxAddr uint64) *AddressSpace {
	topPAddr, top := vmgr.AllocTopPageTable()
	return &AddressSpace{
		vmgr:     vmgr,
		frames:   frames,
		mem:      mem,
		topPAddr: topPAddr,
		top:      top,
		minAddr:  minAddr,
		maxAddr:  maxAddr,
	}
}

// TopPAddr returns the physical address of the top-level page table, for
// loading into TTBR0_EL1 on context switch.
func (as *AddressSpace) TopPAddr() uint64 { return as.topPAddr }

func pageRoundUp(size uint64) uint64 {
	return (size + kpage.PageSize4K - 1) &^ (kpage.PageSize4K - 1)
}

// indexAfter returns the index of the first range with Start > addr (the
// insertion point preserving ascending order).
func (as *AddressSpace) indexAfter(addr uint64) int {
	return sort.Search(len(as.ranges), func(i int) bool { return as.ranges[i].Start > addr })
}

// overlaps reports whether [start, start+size) intersects any existing
// range. Caller must hold as.mu.
func (as *AddressSpace) overlapsLocked(start, size uint64) bool {
	end := start + size
	i := as.indexAfter(start)
	if i > 0 && as.ranges[i-1].End() > start {
		return true
	}
	return i < len(as.ranges) && as.ranges[i].Start < end
}

// findGapLocked finds the lowest gap of at least size bytes within
// [as.minAddr, as.maxAddr), scanning the ranges in ascending base-address
// order per spec.md §4.3's tie-break: first matching free gap wins.
// Caller must hold as.mu.
func (as *AddressSpace) findGapLocked(size uint64) (uint64, error) {
	cursor := as.minAddr
	for _, r := range as.ranges {
		if r.Start-cursor >= size {
			return cursor, nil
		}
		if r.End() > cursor {
			cursor = r.End()
		}
	}
	if as.maxAddr-cursor >= size {
		return cursor, nil
	}
	return 0, errno.ENOMEM
}

// insertLocked inserts r into the sorted range map. Caller must hold
// as.mu and have already checked for overlap.
func (as *AddressSpace) insertLocked(r *Range) {
	i := as.indexAfter(r.Start)
	as.ranges = append(as.ranges, nil)
	copy(as.ranges[i+1:], as.ranges[i:])
	as.ranges[i] = r
}

// removeLocked deletes the range at index i. Caller must hold as.mu.
func (as *AddressSpace) removeLocked(i int) {
	as.ranges = append(as.ranges[:i], as.ranges[i+1:]...)
}

func (as *AddressSpace) findLocked(addr uint64) (int, *Range) {
	for i, r := range as.ranges {
		if r.Start == addr {
			return i, r
		}
	}
	return -1, nil
}

// Reserve implements reserve_memory_range(start, size, fd, prefill). A
// start of 0 requests the lowest sufficiently large gap; a nonzero start
// fails with errno.EEXIST if it would collide with an existing range.
func (as *AddressSpace) Reserve(start, size uint64, fdBacking *int, prefill bool) (uint64, error) {
	size = pageRoundUp(size)
	if size == 0 {
		// reserve_memory_range(size=0) is documented as a no-op that
		// returns the hint: nothing to map or track, per
		// original_source/crates/kernel/src/process/mem.rs's zero-size
		// node insertion followed by `return Ok(start_addr)`.
		return start, nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if start == 0 {
		var err error
		start, err = as.findGapLocked(size)
		if err != nil {
			return 0, err
		}
	} else if as.overlapsLocked(start, size) {
		return 0, errno.EEXIST
	}

	r := &Range{Start: start, Size: size, FDBacking: fdBacking}
	if prefill {
		if err := as.prefillLocked(r); err != nil {
			return 0, err
		}
	}
	as.insertLocked(r)
	return start, nil
}

// prefillLocked allocates and maps one frame per page of r, per
// reserve_memory_range(prefill=true). Caller must hold as.mu.
func (as *AddressSpace) prefillLocked(r *Range) error {
	pages := r.Size / kpage.PageSize4K
	frames := make([]uint64, 0, pages)
	for i := uint64(0); i < pages; i++ {
		f, err := as.frames.AllocFrameUser(kpage.Size4KiB)
		if err != nil {
			for _, paddr := range frames {
				as.frames.Free(paddr, kpage.Size4KiB)
			}
			return err
		}
		vaddr := r.Start + i*kpage.PageSize4K
		desc := vmm.NewLeafDescriptor(f.PAddr, vmm.SizePage, vmm.PermFlags{User: true, Executable: false})
		if err := as.vmgr.SetTranslationDescriptor(as.top, vaddr, 3, desc, true); err != nil {
			as.frames.Free(f.PAddr, kpage.Size4KiB)
			for _, paddr := range frames {
				as.frames.Free(paddr, kpage.Size4KiB)
			}
			return err
		}
		frames = append(frames, f.PAddr)
	}
	r.frames = frames
	return nil
}

// MapToPhysical implements map_to_physical_range(vaddr, paddr): converts
// an already-reserved range at vaddr into a physically pinned mapping,
// one page descriptor per page of paddr upward, used for MMIO-like
// buffers (the display buffer's shared memory, spec.md §4.9).
func (as *AddressSpace) MapToPhysical(vaddr, paddr uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	_, r := as.findLocked(vaddr)
	if r == nil {
		return errno.EINVAL
	}
	pages := r.Size / kpage.PageSize4K
	for i := uint64(0); i < pages; i++ {
		desc := vmm.NewLeafDescriptor(paddr+i*kpage.PageSize4K, vmm.SizePage, vmm.PermFlags{User: true})
		if err := as.vmgr.SetTranslationDescriptor(as.top, vaddr+i*kpage.PageSize4K, 3, desc, true); err != nil {
			return err
		}
	}
	r.IsPhysical = true
	r.frames = nil
	return nil
}

// Unmap implements unmap_memory_range(addr): clears descriptors over the
// range and releases frames back to the allocator unless the range was
// marked is_physical.
func (as *AddressSpace) Unmap(addr uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	i, r := as.findLocked(addr)
	if r == nil {
		return errno.EINVAL
	}
	as.clearRangeLocked(r)
	as.removeLocked(i)
	return nil
}

// clearRangeLocked zeroes the translation descriptors over r and, unless
// r.IsPhysical, frees its backing frames. Caller must hold as.mu.
func (as *AddressSpace) clearRangeLocked(r *Range) {
	pages := r.Size / kpage.PageSize4K
	for i := uint64(0); i < pages; i++ {
		vaddr := r.Start + i*kpage.PageSize4K
		_ = as.vmgr.SetTranslationDescriptor(as.top, vaddr, 3, vmm.Descriptor(0), false)
	}
	if r.IsPhysical {
		return
	}
	for _, paddr := range r.frames {
		as.mem.Free(paddr)
		as.frames.Free(paddr, kpage.Size4KiB)
	}
}

// Clear implements clear_address_space(): unmaps every range, freeing
// non-physical frames.
func (as *AddressSpace) Clear() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.ranges {
		as.clearRangeLocked(r)
	}
	as.ranges = nil
}

// Fork implements fork(): allocates a new address space; for each range
// in the source (in ascending base-address order), reserves the same
// range in the destination and copies bytes through the kernel-visible
// PhysMem bounce buffer, since the destination's user mappings are never
// active in the source's TTBR0 context. Physical ranges are
// re-established via MapToPhysical, not copied.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := New(as.vmgr, as.frames, as.mem, as.minAddr, as.maxAddr)
	for _, r := range as.ranges {
		if r.IsPhysical {
			if _, err := child.Reserve(r.Start, r.Size, r.FDBacking, false); err != nil {
				return nil, err
			}
			// MapToPhysical needs the original physical base; recover it
			// from the parent's first page descriptor.
			paddr, ok := as.vmgr.PhysicalAddr(as.top, r.Start)
			if !ok {
				return nil, errno.EFAULT
			}
			if err := child.MapToPhysical(r.Start, paddr); err != nil {
				return nil, err
			}
			continue
		}

		if _, err := child.Reserve(r.Start, r.Size, r.FDBacking, true); err != nil {
			return nil, err
		}
		_, childRange := child.findLocked(r.Start)
		pages := r.Size / kpage.PageSize4K
		for i := uint64(0); i < pages; i++ {
			page := as.mem.ReadPage(r.frames[i])
			as.mem.WritePage(childRange.frames[i], page)
		}
	}
	return child, nil
}
