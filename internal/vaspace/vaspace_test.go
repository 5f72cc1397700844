package vaspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pincerOS/kernel-sub001/internal/errno"
	"github.com/pincerOS/kernel-sub001/internal/except"
	"github.com/pincerOS/kernel-sub001/internal/kpage"
	"github.com/pincerOS/kernel-sub001/internal/vmm"
)

func newTestSpace(t *testing.T) (*AddressSpace, *kpage.Allocator, *kpage.PhysMem) {
	t.Helper()
	frames := kpage.New(0x1000_0000, 4096, nil)
	mem := kpage.NewPhysMem()
	vmgr := vmm.NewManager(frames, &except.HostCPUContext{})
	as := New(vmgr, frames, mem, 0x1000, 0x1000_0000)
	return as, frames, mem
}

func TestReserveLowestGapAscending(t *testing.T) {
	as, _, _ := newTestSpace(t)

	start1, err := as.Reserve(0, 0x2000, nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), start1)

	start2, err := as.Reserve(0, 0x1000, nil, false)
	require.NoError(t, err)
	require.Equal(t, start1+0x2000, start2, "second reservation must land in the next free gap, not wrap to the front")
}

func TestReserveZeroSizeIsNoOpReturningHint(t *testing.T) {
	as, frames, _ := newTestSpace(t)
	before := frames.FreeFrames()

	start, err := as.Reserve(0x5000, 0, nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0x5000), start)
	require.Equal(t, before, frames.FreeFrames(), "size=0 must not consume frames")

	// A following reservation at the same hint must not see a collision:
	// the zero-size request left no range behind.
	start2, err := as.Reserve(0x5000, 0x1000, nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0x5000), start2)
}

func TestReserveExplicitStartCollisionFails(t *testing.T) {
	as, _, _ := newTestSpace(t)
	_, err := as.Reserve(0x2000, 0x2000, nil, false)
	require.NoError(t, err)

	_, err = as.Reserve(0x3000, 0x1000, nil, false)
	require.ErrorIs(t, err, errno.EEXIST)
}

func TestReserveThenUnmapEmptiesRangeMapAndFreesFrames(t *testing.T) {
	as, frames, _ := newTestSpace(t)
	before := frames.FreeFrames()

	start, err := as.Reserve(0, 3*kpage.PageSize4K, nil, true)
	require.NoError(t, err)
	require.Less(t, frames.FreeFrames(), before, "prefill must consume frames")

	require.NoError(t, as.Unmap(start))
	require.Empty(t, as.ranges, "range map must be empty after unmap")
	require.Equal(t, before, frames.FreeFrames(), "all prefilled frames must be returned")
}

func TestMapToPhysicalConvertsReservedRangeAndUnmapLeavesFramesAlone(t *testing.T) {
	as, frames, _ := newTestSpace(t)
	before := frames.FreeFrames()

	start, err := as.Reserve(0, kpage.PageSize4K, nil, false)
	require.NoError(t, err)
	require.NoError(t, as.MapToPhysical(start, 0x5000_0000))

	paddr, ok := as.vmgr.PhysicalAddr(as.top, start)
	require.True(t, ok)
	require.Equal(t, uint64(0x5000_0000), paddr)

	require.NoError(t, as.Unmap(start))
	require.Equal(t, before, frames.FreeFrames(), "unmapping a physical range must not touch the frame allocator")
}

func TestForkCoWFreeCorrectness(t *testing.T) {
	parent, _, mem := newTestSpace(t)
	start, err := parent.Reserve(0, kpage.PageSize4K, nil, true)
	require.NoError(t, err)

	_, r := parent.findLocked(start)
	var page [kpage.PageSize4K]byte
	page[0] = 0xAA
	mem.WritePage(r.frames[0], page)

	child, err := parent.Fork()
	require.NoError(t, err)

	_, childRange := child.findLocked(start)
	require.NotEqual(t, r.frames[0], childRange.frames[0], "fork must allocate physically distinct frames")

	childPage := mem.ReadPage(childRange.frames[0])
	require.Equal(t, byte(0xAA), childPage[0], "fork must copy existing bytes")

	// Mutate the parent's page after fork; the child's copy must be unaffected.
	page[0] = 0xBB
	mem.WritePage(r.frames[0], page)
	childPage = mem.ReadPage(childRange.frames[0])
	require.Equal(t, byte(0xAA), childPage[0], "post-fork parent mutation must not appear in the child")

	// And vice versa.
	var childMutation [kpage.PageSize4K]byte
	childMutation[0] = 0xCC
	mem.WritePage(childRange.frames[0], childMutation)
	parentPage := mem.ReadPage(r.frames[0])
	require.Equal(t, byte(0xBB), parentPage[0], "post-fork child mutation must not appear in the parent")
}

func TestForkThenExitChildLeavesParentByteIdentical(t *testing.T) {
	parent, frames, mem := newTestSpace(t)
	start, err := parent.Reserve(0, kpage.PageSize4K, nil, true)
	require.NoError(t, err)

	_, r := parent.findLocked(start)
	var page [kpage.PageSize4K]byte
	page[0] = 0x42
	mem.WritePage(r.frames[0], page)

	before := frames.FreeFrames()
	child, err := parent.Fork()
	require.NoError(t, err)

	child.Clear()

	require.Equal(t, before, frames.FreeFrames(), "exiting the child must return only the child's frames")
	after := mem.ReadPage(r.frames[0])
	require.Equal(t, byte(0x42), after[0], "parent's address space must be unchanged after the child exits")
}

func TestForkReEstablishesPhysicalRangesWithoutCopying(t *testing.T) {
	parent, _, _ := newTestSpace(t)
	start, err := parent.Reserve(0, kpage.PageSize4K, nil, false)
	require.NoError(t, err)
	require.NoError(t, parent.MapToPhysical(start, 0x6000_0000))

	child, err := parent.Fork()
	require.NoError(t, err)

	paddr, ok := child.vmgr.PhysicalAddr(child.top, start)
	require.True(t, ok)
	require.Equal(t, uint64(0x6000_0000), paddr, "a physical range must be re-mapped to the same physical address, not copied")
}

func TestClearAddressSpaceUnmapsAllRanges(t *testing.T) {
	as, frames, _ := newTestSpace(t)
	before := frames.FreeFrames()

	_, err := as.Reserve(0, kpage.PageSize4K, nil, true)
	require.NoError(t, err)
	_, err = as.Reserve(0, kpage.PageSize4K, nil, true)
	require.NoError(t, err)

	as.Clear()
	require.Empty(t, as.ranges)
	require.Equal(t, before, frames.FreeFrames())
}
