// Package vmm implements spec.md §4.2's virtual-memory manager: the
// 4-level AArch64 descriptor tree, set_translation_descriptor and its
// dual getter, map_physical/map_device, and the TLB/cache discipline
// bracketing every live descriptor change.
//
// Grounded on 6f405348_gopher-os-gopher-os's vmm package for the
// walk(vaddr, visitor)-over-levels shape and its CoW page-fault handler
// (reserved zeroed frame, temporary-mapping-then-copy-then-retry). The
// descriptor bit layout itself is plain stdlib bit arithmetic: no pack
// library models AArch64 translation table descriptors, and the layout
// is a fixed hardware format, not a place for a dependency to add value.
package vmm

import "errors"

// Descriptor is one 64-bit AArch64 translation table entry.
type Descriptor uint64

const (
	descValid    Descriptor = 1 << 0
	descTable    Descriptor = 1 << 1 // set: table/page descriptor; clear at a leaf level: block descriptor
	descAF       Descriptor = 1 << 10
	descNG       Descriptor = 1 << 11 // not-global
	descAP1      Descriptor = 1 << 6  // unprivileged access (AP[1])
	descAPRO     Descriptor = 1 << 7  // read-only (AP[2])
	descUXN      Descriptor = 1 << 54
	descPXN      Descriptor = 1 << 53
	descAddrMask Descriptor = 0x0000_ffff_ffff_f000
)

// IsValid reports whether the descriptor's valid bit is set.
func (d Descriptor) IsValid() bool { return d&descValid != 0 }

// IsPageDescriptor reports whether, at the final level, this is a 4 KiB
// page descriptor (as opposed to a block/huge-page descriptor). At
// intermediate levels the same bit distinguishes a table descriptor
// (set) from a block descriptor (clear).
func (d Descriptor) IsPageDescriptor() bool { return d&descTable != 0 }

// Addr extracts the output address (next-level table, or final physical
// page/block) the descriptor points to.
func (d Descriptor) Addr() uint64 { return uint64(d & descAddrMask) }

// IsUnprivilegedAccess reports spec.md §3's user-entry invariant:
// unprivileged_access set.
func (d Descriptor) IsUnprivilegedAccess() bool { return d&descAP1 != 0 }

// IsNotGlobal reports the nG bit required on every user entry.
func (d Descriptor) IsNotGlobal() bool { return d&descNG != 0 }

// IsGlobal reports the Global bit (nG clear) required on kernel entries.
func (d Descriptor) IsGlobal() bool { return d&descNG == 0 }

// PermFlags configures the access-permission and execute-never bits of
// a leaf descriptor.
type PermFlags struct {
	User      bool // AP[1]: unprivileged access; must also clear UXN and set nG per spec.md §3
	ReadOnly  bool
	Executable bool
}

// NewTableDescriptor builds an intermediate table descriptor pointing at
// the 4 KiB frame addr.
func NewTableDescriptor(addr uint64) Descriptor {
	return Descriptor(addr&uint64(descAddrMask)) | descValid | descTable
}

// NewLeafDescriptor builds a final 4 KiB page-descriptor leaf for
// physical page addr with the given permissions. User leaves always get
// nG set and UXN cleared, executable or not, per spec.md §3's invariant
// (ii); non-executable kernel leaves set PXN instead.
func NewLeafDescriptor(addr uint64, size Size, perm PermFlags) Descriptor {
	d := Descriptor(addr&uint64(descAddrMask)) | descValid | descAF
	if size == SizePage {
		d |= descTable // page descriptor, as opposed to a block descriptor
	}
	if perm.User {
		d |= descAP1 | descNG
	}
	if perm.ReadOnly {
		d |= descAPRO
	}
	if !perm.Executable && !perm.User {
		d |= descPXN
	}
	return d
}

// Size distinguishes a 4 KiB page leaf from a huge-page block leaf.
type Size int

const (
	SizePage Size = iota
	SizeBlock
)

// ErrHugePagePresent is returned by SetTranslationDescriptor and
// GetTranslationDescriptor when the caller expected to descend to a
// 4 KiB leaf but found a huge-page (block) descriptor instead — spec.md
// §4.2's HugePagePresent. SetTranslationDescriptor also returns it when
// it meets an empty intermediate slot with createIntermediate false.
var ErrHugePagePresent = errors.New("vmm: huge page present at requested level")
