package vmm

import (
	"sync"

	"github.com/pincerOS/kernel-sub001/internal/except"
	"github.com/pincerOS/kernel-sub001/internal/kpage"
)

const entriesPerTable = 512

// Table is a 4 KiB frame interpreted as 512 descriptors — spec.md §3's
// page table. Levels is fixed at 4 (AArch64 granule-4KiB, 48-bit VA).
type Table struct {
	Entries [entriesPerTable]Descriptor
}

const numLevels = 4

// Manager owns the frame allocator backing new intermediate tables and
// the registry mapping a table's physical address to its in-memory
// representation — standing in for "a page table is a frame you can
// also dereference," which a host process can't do directly against
// arbitrary physical addresses the way bare-metal code can.
type Manager struct {
	frames *kpage.Allocator
	cpu    except.CPUContext

	mu     sync.RWMutex
	tables map[uint64]*Table
}

// NewManager constructs a vmm.Manager allocating table frames from
// frames and performing TLB/cache maintenance through cpu.
func NewManager(frames *kpage.Allocator, cpu except.CPUContext) *Manager {
	return &Manager{frames: frames, cpu: cpu, tables: make(map[uint64]*Table)}
}

// AllocTopPageTable implements spec.md's alloc_top_page_table(): a fresh
// level-0 table for a new address space.
func (m *Manager) AllocTopPageTable() (paddr uint64, table *Table) {
	f := m.frames.AllocFrame(kpage.Size4KiB, kpage.OwnerKernel)
	t := &Table{}
	m.mu.Lock()
	m.tables[f.PAddr] = t
	m.mu.Unlock()
	return f.PAddr, t
}

func (m *Manager) tableAt(paddr uint64) *Table {
	m.mu.RLock()
	t := m.tables[paddr]
	m.mu.RUnlock()
	return t
}

// levelIndex extracts the 9-bit index for the given translation level
// (0 = top) out of a 48-bit virtual address, 4 KiB granule.
func levelIndex(vaddr uint64, level int) uint64 {
	shift := uint(12 + 9*(numLevels-1-level))
	return (vaddr >> shift) & 0x1ff
}

// SetTranslationDescriptor implements spec.md's
// set_translation_descriptor(table, vaddr, level, asid, desc,
// create_intermediate): walks from top down to level, installing desc
// at the final slot. Intermediate tables are allocated on the way down
// when createIntermediate is set and a slot is empty.
func (m *Manager) SetTranslationDescriptor(top *Table, vaddr uint64, level int, desc Descriptor, createIntermediate bool) error {
	cur := top
	for l := 0; l < level; l++ {
		idx := levelIndex(vaddr, l)
		entry := cur.Entries[idx]
		if !entry.IsValid() {
			if !createIntermediate {
				return ErrHugePagePresent // no entry and not allowed to create one; treat as a walk failure
			}
			childPAddr, child := m.AllocTopPageTable()
			cur.Entries[idx] = NewTableDescriptor(childPAddr)
			cur = child
			continue
		}
		if !entry.IsPageDescriptor() {
			return ErrHugePagePresent
		}
		next := m.tableAt(entry.Addr())
		if next == nil {
			return ErrHugePagePresent
		}
		cur = next
	}
	idx := levelIndex(vaddr, level)
	cur.Entries[idx] = desc
	m.maintainAfterChange()
	return nil
}

// GetTranslationDescriptor is set_translation_descriptor's dual getter:
// it walks from top to level without creating anything, returning
// ErrHugePagePresent if a block descriptor is encountered above level,
// or the zero Descriptor (invalid) if the walk runs off an empty slot.
func (m *Manager) GetTranslationDescriptor(top *Table, vaddr uint64, level int) (Descriptor, error) {
	cur := top
	for l := 0; l < level; l++ {
		idx := levelIndex(vaddr, l)
		entry := cur.Entries[idx]
		if !entry.IsValid() {
			return 0, nil
		}
		if !entry.IsPageDescriptor() {
			return 0, ErrHugePagePresent
		}
		next := m.tableAt(entry.Addr())
		if next == nil {
			return 0, ErrHugePagePresent
		}
		cur = next
	}
	return cur.Entries[levelIndex(vaddr, level)], nil
}

// maintainAfterChange issues the dsb/tlbi/dsb/isb sequence spec.md §4.2
// requires after any change to a live descriptor.
func (m *Manager) maintainAfterChange() {
	if m.cpu != nil {
		m.cpu.InvalidateTLB()
	}
}

// MapPhysical implements spec.md's map_physical(paddr, size) → vaddr: a
// kernel-only identity mapping used for DMA-visible buffers and the
// display-buffer shared region. On this host model, physical and kernel
// virtual addresses coincide, so this both records the mapping in the
// top-level kernel table and returns paddr itself as the vaddr.
func (m *Manager) MapPhysical(kernelTop *Table, paddr uint64, size uint64) uint64 {
	pages := (size + kpage.PageSize4K - 1) / kpage.PageSize4K
	for i := uint64(0); i < pages; i++ {
		addr := paddr + i*kpage.PageSize4K
		desc := NewLeafDescriptor(addr, SizePage, PermFlags{Executable: false})
		_ = m.SetTranslationDescriptor(kernelTop, addr, numLevels-1, desc, true)
	}
	return paddr
}

// MapDevice implements spec.md's map_device(paddr) → vaddr: identical to
// MapPhysical for a single page, kept distinct so callers document
// intent (MMIO vs. DMA buffer) the way the original kernel's call sites
// do.
func (m *Manager) MapDevice(kernelTop *Table, paddr uint64) uint64 {
	return m.MapPhysical(kernelTop, paddr, kpage.PageSize4K)
}

// PhysicalAddr implements spec.md's physical_addr(vaddr) → paddr?: walks
// the given address space's top table to a 4 KiB leaf and returns its
// output address, or ok=false if unmapped.
func (m *Manager) PhysicalAddr(top *Table, vaddr uint64) (paddr uint64, ok bool) {
	desc, err := m.GetTranslationDescriptor(top, vaddr, numLevels-1)
	if err != nil || !desc.IsValid() {
		return 0, false
	}
	return desc.Addr() | (vaddr & (kpage.PageSize4K - 1)), true
}

// SwitchAddressSpace reloads TTBR0_EL1 with the physical address of top
// and performs the required TLB/cache sequence.
func (m *Manager) SwitchAddressSpace(topPAddr uint64) {
	if m.cpu != nil {
		m.cpu.SwitchAddressSpace(topPAddr)
	}
}
